package host

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"

	"cboxing/internal/scheduler"
	"cboxing/pkg/model"
)

// ErrCrossMachine 主机后端没有通信层
var ErrCrossMachine = errors.New("host backend cannot execute requests spanning machines")

// execute reqs 的下标是 local rank
func execute(e *scheduler.RequestEntry, reqs []*model.RuntimeRequest) error {
	if e.NodeCount() > 1 {
		return errors.Wrapf(ErrCrossMachine, "%d machines", e.NodeCount())
	}
	op := e.Desc().Op
	// 单机时 local rank 与 global rank 一一对应，这里按 global rank 重排
	ranks := make([]*model.RuntimeRequest, len(reqs))
	for local, r := range reqs {
		ranks[e.LocalRankToGlobalRank(local)] = r
	}
	size := e.SizeInBytes()
	n := int64(len(ranks))

	switch op.OpType {
	case model.OpAllReduce:
		if err := checkLens(ranks, size, size); err != nil {
			return err
		}
		return reduceInto(op, ranks, func(r int64, out []byte) {
			copy(ranks[r].Recv, out)
		})
	case model.OpReduce:
		if err := checkSend(ranks, size); err != nil {
			return err
		}
		if op.Root < 0 || op.Root >= n {
			return errors.Errorf("reduce root %d out of range", op.Root)
		}
		root := ranks[op.Root]
		if int64(len(root.Recv)) != size {
			return errors.Errorf("root recv buffer is %d bytes, want %d", len(root.Recv), size)
		}
		return reduceInto(op, ranks, func(r int64, out []byte) {
			if r == op.Root {
				copy(root.Recv, out)
			}
		})
	case model.OpReduceScatter:
		if size%n != 0 {
			return errors.Errorf("reduce_scatter of %d bytes over %d ranks", size, n)
		}
		chunk := size / n
		if err := checkLens(ranks, size, chunk); err != nil {
			return err
		}
		return reduceInto(op, ranks, func(r int64, out []byte) {
			copy(ranks[r].Recv, out[r*chunk:(r+1)*chunk])
		})
	case model.OpAllGather:
		if size%n != 0 {
			return errors.Errorf("all_gather of %d bytes over %d ranks", size, n)
		}
		chunk := size / n
		if err := checkLens(ranks, chunk, size); err != nil {
			return err
		}
		for _, dst := range ranks {
			for r, src := range ranks {
				copy(dst.Recv[int64(r)*chunk:], src.Send)
			}
		}
		return nil
	case model.OpBroadcast:
		if op.Root < 0 || op.Root >= n {
			return errors.Errorf("broadcast root %d out of range", op.Root)
		}
		src := ranks[op.Root].Send
		if int64(len(src)) != size {
			return errors.Errorf("root send buffer is %d bytes, want %d", len(src), size)
		}
		for _, r := range ranks {
			if int64(len(r.Recv)) != size {
				return errors.Errorf("recv buffer is %d bytes, want %d", len(r.Recv), size)
			}
			copy(r.Recv, src)
		}
		return nil
	}
	return errors.Errorf("unsupported op type %q", op.OpType)
}

// reduceInto 对所有 rank 的 send 做逐元素规约，然后把结果交给 deliver
func reduceInto(op model.OpDesc, ranks []*model.RuntimeRequest, deliver func(rank int64, out []byte)) error {
	if op.DataType != model.Float32 {
		return errors.Errorf("reduction over %s is not supported", op.DataType)
	}
	combine, err := reducer(op.ReduceMethod)
	if err != nil {
		return err
	}
	out := make([]byte, len(ranks[0].Send))
	copy(out, ranks[0].Send)
	for _, r := range ranks[1:] {
		for off := 0; off+4 <= len(out); off += 4 {
			a := math.Float32frombits(binary.LittleEndian.Uint32(out[off:]))
			b := math.Float32frombits(binary.LittleEndian.Uint32(r.Send[off:]))
			binary.LittleEndian.PutUint32(out[off:], math.Float32bits(combine(a, b)))
		}
	}
	for r := range ranks {
		deliver(int64(r), out)
	}
	return nil
}

func reducer(m model.ReduceMethod) (func(a, b float32) float32, error) {
	switch m {
	case model.ReduceSum, "":
		return func(a, b float32) float32 { return a + b }, nil
	case model.ReduceProd:
		return func(a, b float32) float32 { return a * b }, nil
	case model.ReduceMax:
		return func(a, b float32) float32 { return float32(math.Max(float64(a), float64(b))) }, nil
	case model.ReduceMin:
		return func(a, b float32) float32 { return float32(math.Min(float64(a), float64(b))) }, nil
	}
	return nil, errors.Errorf("unsupported reduce method %q", m)
}

func checkSend(ranks []*model.RuntimeRequest, send int64) error {
	for r, req := range ranks {
		if int64(len(req.Send)) != send {
			return errors.Errorf("rank %d send buffer is %d bytes, want %d", r, len(req.Send), send)
		}
	}
	return nil
}

func checkLens(ranks []*model.RuntimeRequest, send, recv int64) error {
	if err := checkSend(ranks, send); err != nil {
		return err
	}
	for r, req := range ranks {
		if int64(len(req.Recv)) != recv {
			return errors.Errorf("rank %d recv buffer is %d bytes, want %d", r, len(req.Recv), recv)
		}
	}
	return nil
}
