package store

import "github.com/kubev2v/heap-monitor/internal/store/model"

// TransitionHook is called after a report changes status. from is empty on insert.
// Hooks run with the store lock held: they must not block or call back into the store.
type TransitionHook func(id string, from, to model.ReportStatus)

type ReportStoreOption func(s *ReportStore)

func WithTransitionHook(h TransitionHook) ReportStoreOption {
	return func(s *ReportStore) {
		s.hooks = append(s.hooks, h)
	}
}
