package metrics

import (
	"errors"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/warp/kos-engine/core"
)

func TestOutcome(t *testing.T) {
	assert.Equal(t, "ok", Outcome(nil))
	assert.Equal(t, "InsufficientBalance", Outcome(fmt.Errorf("withdraw: %w", core.ErrInsufficientBalance)))
	assert.Equal(t, "internal", Outcome(errors.New("disk full")))
}

func TestCollectorsRegistered(t *testing.T) {
	before := testutil.ToFloat64(IdempotentReplays.WithLabelValues("booking_create"))
	IdempotentReplays.WithLabelValues("booking_create").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(IdempotentReplays.WithLabelValues("booking_create")))

	// Vectors only appear once a label set has been used.
	LedgerPostings.WithLabelValues(string(core.SourcePayment)).Inc()
	assert.Equal(t, 1, testutil.CollectAndCount(LedgerPostings, "kos_ledger_postings_total"))
}
