package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cboxing/pkg/model"
)

func TestStaticGroupsFollowPlanOrder(t *testing.T) {
	env := newTestEnv(t, 0, false)
	set := requestSet(
		request("a", 0, dev(0, 0)),
		request("b", 0, dev(0, 0)),
		request("c", 0, dev(0, 0)),
	)
	// Order 与下标相反
	set.Requests[0].Order, set.Requests[2].Order = 2, 0
	_, err := env.sched.AddPlan(&model.Plan{ID: "p", Jobs: map[int64]model.RequestSet{1: set}})
	require.NoError(t, err)
	assert.Equal(t, [][]model.RequestID{ids(1, 2), ids(1, 1), ids(1, 0)}, env.backend.Emitted())

	handles := handlesFor(t, env.sched, 1, set)
	for _, h := range handles {
		require.NoError(t, env.sched.Schedule(context.Background(), h, &model.RuntimeRequest{}))
	}
	assert.Equal(t, [][]model.RequestID{ids(1, 2), ids(1, 1), ids(1, 0)}, env.backend.Executed())
}

func TestNonLocalRequestsHaveNoStaticGroup(t *testing.T) {
	env := newTestEnv(t, 0, true)
	set := requestSet(request("local", 0, dev(0, 0)), request("remote", 0, dev(1, 0)))
	_, err := env.sched.AddPlan(&model.Plan{ID: "p", Jobs: map[int64]model.RequestSet{1: set}})
	require.NoError(t, err)

	c := env.sched.coordinator
	assert.Panics(t, func() { c.CreateCoordinatorToken(model.RequestID{JobID: 1, Index: 1}) })
	tok := c.CreateCoordinatorToken(model.RequestID{JobID: 1, Index: 0})
	c.DestroyCoordinatorToken(tok)
	assert.Panics(t, func() { c.DestroyCoordinatorToken(tok) })
}

func TestOtherJobReadyMidIterationPanics(t *testing.T) {
	env := newTestEnv(t, 0, false)
	set := requestSet(request("a", 0, dev(0, 0)), request("b", 0, dev(0, 0)))
	_, err := env.sched.AddPlan(&model.Plan{ID: "p", Jobs: map[int64]model.RequestSet{1: set, 2: set}})
	require.NoError(t, err)
	job1 := handlesFor(t, env.sched, 1, set)
	job2 := handlesFor(t, env.sched, 2, set)

	// job 1 执行完第一个组后仍处于迭代中
	require.NoError(t, env.sched.Schedule(context.Background(), job1[0], &model.RuntimeRequest{}))
	assert.Panics(t, func() {
		_ = env.sched.Schedule(context.Background(), job2[0], &model.RuntimeRequest{})
	})

	// job 1 完成后 job 2 可以开始
	require.NoError(t, env.sched.Schedule(context.Background(), job1[1], &model.RuntimeRequest{}))
	env.sched.store.TakeRuntimeRequests(job2[0].RequestID())
	require.NoError(t, env.sched.Schedule(context.Background(), job2[0], &model.RuntimeRequest{}))
	require.NoError(t, env.sched.Schedule(context.Background(), job2[1], &model.RuntimeRequest{}))
	assert.Equal(t, [][]model.RequestID{ids(1, 0), ids(1, 1), ids(2, 0), ids(2, 1)}, env.backend.Executed())
}
