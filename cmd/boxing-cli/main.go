package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"cboxing/internal/backend/host"
	"cboxing/internal/device"
	"cboxing/internal/scheduler"
	"cboxing/pkg/model"
	"cboxing/pkg/store"
)

func main() {
	// --- 1. 定义命令行参数 ---
	endpoints := flag.String("etcd", "localhost:2379", "Comma separated etcd endpoints")
	publish := flag.String("publish", "", "Publish the plan in the given YAML file")
	getID := flag.String("get", "", "Print the plan with the given ID")
	deleteID := flag.String("delete", "", "Delete the plan with the given ID")
	listNodes := flag.Bool("nodes", false, "List registered nodes")
	// 压测模式不需要 etcd，在进程内跑调度器
	bench := flag.Int("bench", 0, "Run N in-process iterations against the host backend")
	ranks := flag.Int("ranks", 4, "Bench: number of local ranks")
	requests := flag.Int("requests", 16, "Bench: requests per iteration")
	elems := flag.Int("elems", 1<<14, "Bench: float32 elements per request")
	threshold := flag.Int64("threshold", 16<<20, "Bench: fusion threshold in bytes")
	flag.Parse()

	if *bench > 0 {
		if err := runBench(*bench, *ranks, *requests, *elems, *threshold); err != nil {
			log.Fatalf("❌ Bench failed: %v", err)
		}
		return
	}

	// --- 2. 连接 Etcd ---
	etcdManager, err := store.NewEtcdManager(strings.Split(*endpoints, ","), 5*time.Second, 10*time.Second, zap.NewNop())
	if err != nil {
		log.Fatalf("❌ Failed to connect to etcd: %v", err)
	}
	defer etcdManager.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch {
	case *publish != "":
		plan, err := loadPlan(*publish)
		if err != nil {
			log.Fatalf("❌ Invalid plan: %v", err)
		}
		if err := etcdManager.CreatePlan(ctx, plan); err != nil {
			log.Fatalf("❌ Failed to publish plan: %v", err)
		}
		fmt.Printf("✅ Plan published! ID: %s (%d jobs)\n", plan.ID, len(plan.Jobs))
	case *getID != "":
		plan, err := etcdManager.GetPlan(ctx, *getID)
		if err != nil {
			log.Fatalf("❌ Failed to get plan: %v", err)
		}
		out, _ := yaml.Marshal(plan)
		fmt.Print(string(out))
	case *deleteID != "":
		if err := etcdManager.DeletePlan(ctx, *deleteID); err != nil {
			log.Fatalf("❌ Failed to delete plan: %v", err)
		}
		fmt.Printf("🗑  Plan %s deleted\n", *deleteID)
	case *listNodes:
		nodes, err := etcdManager.ListNodes(ctx)
		if err != nil {
			log.Fatalf("❌ Failed to list nodes: %v", err)
		}
		for _, n := range nodes {
			devs, _ := json.Marshal(n.Devices)
			fmt.Printf("%-4d %-20s %-8s devices=%s plans=%v last=%s\n",
				n.MachineID, n.Name, n.Status, devs, n.Plans,
				humanize.Time(time.Unix(n.LastHeartbeat, 0)))
		}
	default:
		flag.Usage()
		os.Exit(2)
	}
}

// loadPlan 读取并校验 YAML plan
func loadPlan(path string) (*model.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var plan model.Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, err
	}
	if err := validator.New().Struct(&plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

// runBench 在单机上用 host 后端跑 all_reduce，测调度吞吐
func runBench(iters, ranks, requests, elems int, threshold int64) error {
	sched, err := scheduler.NewScheduler(context.Background(), scheduler.Options{
		EnableFusion:         true,
		FusionThresholdBytes: threshold,
		Probe:                device.StaticProbe{model.DeviceCPU: ranks},
		Backends:             map[model.DeviceType]scheduler.BackendConstructor{model.DeviceCPU: host.New},
		Logger:               zap.NewNop(),
	})
	if err != nil {
		return err
	}

	devices := make([]model.DeviceDesc, ranks)
	for i := range devices {
		devices[i] = model.DeviceDesc{DeviceType: model.DeviceCPU, DeviceID: int64(i)}
	}
	const jobID = 1
	set := model.RequestSet{}
	for i := 0; i < requests; i++ {
		set.Requests = append(set.Requests, model.RequestDescriptor{
			Op: model.OpDesc{
				Name:         fmt.Sprintf("bench-%d", i),
				OpType:       model.OpAllReduce,
				ReduceMethod: model.ReduceSum,
				DataType:     model.Float32,
				Shape:        []int64{int64(elems)},
				NumRanks:     int64(ranks),
				DeviceType:   model.DeviceCPU,
			},
			DeviceSet: model.DeviceSet{Devices: devices},
			Order:     int64(i),
		})
	}
	token, err := sched.AddPlan(&model.Plan{ID: "bench", Jobs: map[int64]model.RequestSet{jobID: set}})
	if err != nil {
		return err
	}
	defer sched.DeletePlan(token)

	// --- 每个 rank 一个协程，每轮等待自己的全部回调后再进入下一轮 ---
	handles := make([][]*scheduler.Handle, ranks)
	for r := range handles {
		for _, desc := range set.Requests {
			h, err := sched.CreateHandle(model.RankDesc{JobID: jobID, Op: desc.Op, Rank: int64(r)})
			if err != nil {
				return err
			}
			defer sched.DestroyHandle(h)
			handles[r] = append(handles[r], h)
		}
	}

	fmt.Printf("🚀 Starting bench: %d iterations, %d ranks, %d requests of %s\n",
		iters, ranks, requests, humanize.IBytes(uint64(elems*4)))

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	start := time.Now()
	for r := 0; r < ranks; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			send := make([]byte, elems*4)
			recv := make([][]byte, requests)
			for i := range recv {
				recv[i] = make([]byte, elems*4)
			}
			for it := 0; it < iters; it++ {
				var iter sync.WaitGroup
				iter.Add(requests)
				for i, h := range handles[r] {
					req := &model.RuntimeRequest{Send: send, Recv: recv[i], Callback: func(err error) {
						if err != nil {
							errOnce.Do(func() { firstErr = err })
						}
						iter.Done()
					}}
					if err := sched.Schedule(context.Background(), h, req); err != nil {
						errOnce.Do(func() { firstErr = err })
					}
				}
				iter.Wait()
			}
		}(r)
	}
	wg.Wait()
	duration := time.Since(start)
	if firstErr != nil {
		return firstErr
	}

	moved := float64(iters) * float64(requests) * float64(ranks) * float64(elems*4)
	fmt.Printf("\n✅ Bench Finished!\n")
	fmt.Printf("   Total Time: %v\n", duration)
	fmt.Printf("   Iterations/s: %.2f\n", float64(iters)/duration.Seconds())
	fmt.Printf("   Reduced: %s/s\n", humanize.IBytes(uint64(moved/duration.Seconds())))
	return nil
}
