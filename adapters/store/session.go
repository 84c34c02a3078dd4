package store

import (
	"sort"

	"github.com/layer-3/warden/core"
)

func copySession(s core.Session) core.Session {
	if s.AccessRotatedAt != nil {
		at := *s.AccessRotatedAt
		s.AccessRotatedAt = &at
	}
	return s
}

func sortSessions(list []*core.Session) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].SessionID < list[j].SessionID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}
