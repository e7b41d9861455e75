package service

import (
	"context"
	"fmt"
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// InstanceNumbers allocates human-readable instance numbers of the form
// prefix + YYYYMMDD + zero-padded daily sequence, e.g. AP202601200001.
type InstanceNumbers struct {
	prefix string
	loc    *time.Location
	now    func() time.Time
}

// NewInstanceNumbers creates an allocator. The calendar day is taken in loc.
func NewInstanceNumbers(prefix string, loc *time.Location) *InstanceNumbers {
	if loc == nil {
		loc = time.Local
	}
	return &InstanceNumbers{prefix: prefix, loc: loc, now: time.Now}
}

// Next allocates a number inside tx. The counter row is part of the
// transaction, so a rolled back submission does not leave a hole behind on
// the PostgreSQL store.
func (n *InstanceNumbers) Next(ctx context.Context, tx repository.Tx) (string, error) {
	local := n.now().In(n.loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)

	seq, err := tx.Instances().NextSequence(ctx, n.prefix, day)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%s%04d", n.prefix, local.Format("20060102"), seq), nil
}
