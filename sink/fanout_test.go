package sink

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mutwatch/mutwatch/enrich"
	"github.com/mutwatch/mutwatch/types"
)

type countingSink struct{ calls int; fail bool }

func (c *countingSink) Handle(types.EnrichedEvent) error {
	c.calls++
	if c.fail {
		return errors.New("boom")
	}
	return nil
}

func TestFanout_CallsEveryMember(t *testing.T) {
	a, b := &countingSink{}, &countingSink{}
	f := Fanout{a, b}
	require.NoError(t, f.Handle(types.EnrichedEvent{}))
	require.Equal(t, 1, a.calls)
	require.Equal(t, 1, b.calls)
}

func TestFanout_CollectsFailuresWithoutShortCircuiting(t *testing.T) {
	a, b := &countingSink{fail: true}, &countingSink{}
	f := Fanout{a, b}
	err := f.Handle(types.EnrichedEvent{})
	require.Error(t, err)
	require.Equal(t, 1, a.calls)
	require.Equal(t, 1, b.calls)
}

var _ enrich.Sink = Fanout(nil)
