package event

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindClasses(t *testing.T) {
	require.True(t, KindExecutionCompleted.Terminal())
	require.True(t, KindExecutionFailed.Terminal())
	require.True(t, KindExecutionCancelled.Terminal())
	require.False(t, KindStepCompleted.Terminal())

	require.True(t, KindStepCompleted.StepTerminal())
	require.True(t, KindStepFailed.StepTerminal())
	require.False(t, KindStepSkipped.StepTerminal())
	require.False(t, KindStepProgress.StepTerminal())

	require.True(t, KindBranchTaken.Valid())
	require.False(t, Kind("step_teleported").Valid())
}

func TestTuple(t *testing.T) {
	e := Event{StepName: "fetch", Attempt: 2}
	require.Equal(t, Tuple{Step: "fetch", Attempt: 2, Loop: -1}, e.Tuple())
	require.Equal(t, "fetch/2", e.Tuple().String())

	e.LoopIndex = LoopPtr(3)
	require.Equal(t, Tuple{Step: "fetch", Attempt: 2, Loop: 3}, e.Tuple())
	require.Equal(t, "fetch/2/i3", e.Tuple().String())

	require.Nil(t, LoopPtr(-1))
}

func TestPayloadRoundTrip(t *testing.T) {
	payload, err := Encode(StepFailed{Reason: ReasonTimeout, Error: "no heartbeat", Retryable: true})
	require.NoError(t, err)

	e := Event{Kind: KindStepFailed, Payload: payload}
	decoded, err := Decode[StepFailed](e)
	require.NoError(t, err)
	require.Equal(t, ReasonTimeout, decoded.Reason)
	require.True(t, decoded.Retryable)

	empty, err := Decode[StepCompleted](Event{Kind: KindStepCompleted})
	require.NoError(t, err)
	require.Nil(t, empty.Result)
}
