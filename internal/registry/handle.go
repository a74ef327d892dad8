package registry

import (
	"tubekeeper/internal/domain"
)

// Handle is the capability a workflow holds over its own check record.
type Handle struct {
	r  *Registry
	id string
}

func (h *Handle) ID() string { return h.id }

// Check returns the current record.
func (h *Handle) Check() domain.Check {
	c, _ := h.r.Get(h.id)
	return c
}

// Advance moves the check to status, applying mut to the same update.
func (h *Handle) Advance(status domain.CheckStatus, mut func(*domain.Check)) error {
	return h.r.Update(h.id, func(c *domain.Check) {
		c.Status = status
		if mut != nil {
			mut(c)
		}
	})
}

// Annotate updates the record without changing its status.
func (h *Handle) Annotate(mut func(*domain.Check)) error {
	return h.r.Update(h.id, mut)
}

// Finish completes the check successfully with result.
func (h *Handle) Finish(result domain.CheckResult) error {
	return h.r.Complete(h.id, func(c *domain.Check) {
		c.Status = domain.StatusCompleted
		if c.Result == nil {
			c.Result = &domain.CheckResult{}
		}
		mergeResult(c.Result, result)
	})
}

// Fail completes the check as Failed, preserving err's message verbatim.
func (h *Handle) Fail(err error) error {
	return h.r.Complete(h.id, func(c *domain.Check) {
		c.Status = domain.StatusFailed
		c.Error = err.Error()
		c.ErrorKind = domain.ErrorKind(err)
	})
}

func mergeResult(dst *domain.CheckResult, src domain.CheckResult) {
	if src.TxHash != "" {
		dst.TxHash = src.TxHash
	}
	if src.ViewCount != 0 {
		dst.ViewCount = src.ViewCount
	}
	if src.Payout != "" {
		dst.Payout = src.Payout
	}
	if src.Message != "" {
		dst.Message = src.Message
	}
}
