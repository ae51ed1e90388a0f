package host

import (
	"context"
	"encoding/binary"
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cboxing/internal/device"
	"cboxing/internal/scheduler"
	"cboxing/pkg/model"
)

func f32(vals ...float32) []byte {
	out := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
	}
	return out
}

func floats(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out
}

func cpu(machine, id int64) model.DeviceDesc {
	return model.DeviceDesc{MachineID: machine, DeviceType: model.DeviceCPU, DeviceID: id}
}

func op(name string, t model.OpType, shape int64, devices ...model.DeviceDesc) model.RequestDescriptor {
	return model.RequestDescriptor{
		Op: model.OpDesc{
			Name:         name,
			OpType:       t,
			ReduceMethod: model.ReduceSum,
			DataType:     model.Float32,
			Shape:        []int64{shape},
			NumRanks:     int64(len(devices)),
			DeviceType:   model.DeviceCPU,
		},
		DeviceSet: model.DeviceSet{Devices: devices},
	}
}

func newScheduler(t *testing.T, threshold int64) *scheduler.Scheduler {
	t.Helper()
	s, err := scheduler.NewScheduler(context.Background(), scheduler.Options{
		MachineID:            0,
		EnableFusion:         true,
		FusionThresholdBytes: threshold,
		Probe:                device.StaticProbe{model.DeviceCPU: 2},
		Backends:             map[model.DeviceType]scheduler.BackendConstructor{model.DeviceCPU: New},
		Logger:               zap.NewNop(),
	})
	require.NoError(t, err)
	return s
}

func TestRegisteredForCPU(t *testing.T) {
	_, ok := scheduler.RegisteredBackends()[model.DeviceCPU]
	assert.True(t, ok)
}

func TestCollectives(t *testing.T) {
	two := []model.DeviceDesc{cpu(0, 0), cpu(0, 1)}
	bcast := op("bcast", model.OpBroadcast, 2, two...)
	bcast.Op.Root = 1
	maxReduce := op("max", model.OpAllReduce, 2, two...)
	maxReduce.Op.ReduceMethod = model.ReduceMax

	tests := []struct {
		name string
		desc model.RequestDescriptor
		send [2][]byte
		recv [2]int
		want [2][]float32
	}{
		{
			name: "all_reduce",
			desc: op("ar", model.OpAllReduce, 3, two...),
			send: [2][]byte{f32(1, 2, 3), f32(10, 20, 30)},
			recv: [2]int{12, 12},
			want: [2][]float32{{11, 22, 33}, {11, 22, 33}},
		},
		{
			name: "all_reduce_max",
			desc: maxReduce,
			send: [2][]byte{f32(1, 20), f32(10, 2)},
			recv: [2]int{8, 8},
			want: [2][]float32{{10, 20}, {10, 20}},
		},
		{
			name: "reduce_scatter",
			desc: op("rs", model.OpReduceScatter, 4, two...),
			send: [2][]byte{f32(1, 2, 3, 4), f32(1, 1, 1, 1)},
			recv: [2]int{8, 8},
			want: [2][]float32{{2, 3}, {4, 5}},
		},
		{
			name: "all_gather",
			desc: op("ag", model.OpAllGather, 4, two...),
			send: [2][]byte{f32(1, 2), f32(3, 4)},
			recv: [2]int{16, 16},
			want: [2][]float32{{1, 2, 3, 4}, {1, 2, 3, 4}},
		},
		{
			name: "broadcast",
			desc: bcast,
			send: [2][]byte{f32(0, 0), f32(7, 8)},
			recv: [2]int{8, 8},
			want: [2][]float32{{7, 8}, {7, 8}},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newScheduler(t, 0)
			_, err := s.AddPlan(&model.Plan{ID: "p", Jobs: map[int64]model.RequestSet{
				1: {Requests: []model.RequestDescriptor{tc.desc}},
			}})
			require.NoError(t, err)

			var recv [2][]byte
			var cbErrs []error
			for r := 0; r < 2; r++ {
				h, err := s.CreateHandle(model.RankDesc{JobID: 1, Op: tc.desc.Op, Rank: int64(r)})
				require.NoError(t, err)
				recv[r] = make([]byte, tc.recv[r])
				err = s.Schedule(context.Background(), h, &model.RuntimeRequest{
					Send:     tc.send[r],
					Recv:     recv[r],
					Callback: func(err error) { cbErrs = append(cbErrs, err) },
				})
				require.NoError(t, err)
			}
			require.Equal(t, []error{nil, nil}, cbErrs)
			for r := 0; r < 2; r++ {
				assert.Equal(t, tc.want[r], floats(recv[r]), "rank %d", r)
			}
		})
	}
}

func TestCrossMachineRequestFails(t *testing.T) {
	s := newScheduler(t, 0)
	desc := op("ar", model.OpAllReduce, 1, cpu(0, 0), cpu(1, 0))
	_, err := s.AddPlan(&model.Plan{ID: "p", Jobs: map[int64]model.RequestSet{1: {Requests: []model.RequestDescriptor{desc}}}})
	require.NoError(t, err)
	h, err := s.CreateHandle(model.RankDesc{JobID: 1, Op: desc.Op, Rank: 0})
	require.NoError(t, err)

	var cbErr error
	err = s.Schedule(context.Background(), h, &model.RuntimeRequest{
		Send: f32(1), Recv: make([]byte, 4),
		Callback: func(err error) { cbErr = err },
	})
	assert.True(t, errors.Is(err, ErrCrossMachine), "got %v", err)
	assert.True(t, errors.Is(cbErr, ErrCrossMachine), "got %v", cbErr)
}

func TestBufferSizeMismatchFailsWholeGroup(t *testing.T) {
	s := newScheduler(t, 0)
	a := op("a", model.OpAllReduce, 2, cpu(0, 0))
	b := op("b", model.OpAllReduce, 2, cpu(0, 0))
	_, err := s.AddPlan(&model.Plan{ID: "p", Jobs: map[int64]model.RequestSet{1: {Requests: []model.RequestDescriptor{a, b}}}})
	require.NoError(t, err)
	ha, err := s.CreateHandle(model.RankDesc{JobID: 1, Op: a.Op, Rank: 0})
	require.NoError(t, err)
	hb, err := s.CreateHandle(model.RankDesc{JobID: 1, Op: b.Op, Rank: 0})
	require.NoError(t, err)

	var failed int
	cb := func(err error) {
		if err != nil {
			failed++
		}
	}
	require.NoError(t, s.Schedule(context.Background(), ha, &model.RuntimeRequest{Send: f32(1, 2), Recv: make([]byte, 8), Callback: cb}))
	err = s.Schedule(context.Background(), hb, &model.RuntimeRequest{Send: f32(1), Recv: make([]byte, 8), Callback: cb})
	assert.Error(t, err)
	assert.Equal(t, 2, failed)
}

func TestGroupRequestsSplitsAtThreshold(t *testing.T) {
	store := scheduler.NewRequestStore(0, zap.NewNop())
	require.NoError(t, store.InitJob(1, model.RequestSet{Requests: []model.RequestDescriptor{
		op("a", model.OpAllReduce, 4, cpu(0, 0)), // 16 bytes
		op("b", model.OpAllReduce, 4, cpu(0, 0)),
		op("c", model.OpAllReduce, 4, cpu(0, 0)),
		op("d", model.OpAllReduce, 16, cpu(0, 0)), // 64 bytes, 超过阈值也单独成组
		op("e", model.OpAllReduce, 2, cpu(0, 0)),
	}}))
	b := New(scheduler.BackendOptions{FusionThresholdBytes: 32}).(*Backend)
	require.NoError(t, b.Init(store))

	var sizes []int
	in := make([]model.RequestID, 5)
	for i := range in {
		in[i] = model.RequestID{JobID: 1, Index: int32(i)}
	}
	b.GroupRequests(in, func(group []model.RequestID, tok scheduler.BackendGroupToken) {
		sizes = append(sizes, len(group))
		b.DestroyGroupToken(tok)
	})
	assert.Equal(t, []int{2, 1, 1, 1}, sizes)
}
