package store

import (
	"stagegraph.app/planner/core/db"
)

// Stores binds every store to one connection: the pool or a transaction.
type Stores struct {
	conn db.DBTX
}

func NewStores(conn db.DBTX) *Stores {
	return &Stores{conn: conn}
}

func (s *Stores) Jobs() JobStore {
	return newJobStore(s.conn)
}

func (s *Stores) Contributions() ContributionStore {
	return newContributionStore(s.conn)
}

func (s *Stores) Resources() ResourceStore {
	return newResourceStore(s.conn)
}

func (s *Stores) Feedback() FeedbackStore {
	return newFeedbackStore(s.conn)
}
