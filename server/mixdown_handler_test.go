package server

import (
	"context"
	"sync"
	"testing"
)

func TestRenderRegistryGetReturnsSnapshot(t *testing.T) {
	registry := newRenderRegistry()
	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	registry.add(&RenderJob{ID: "r1", ProjectID: "p1", Status: RenderRunning, cancel: cancel})

	if _, ok := registry.get("missing"); ok {
		t.Error("unknown render id should not resolve")
	}

	before, ok := registry.get("r1")
	if !ok {
		t.Fatal("expected render job")
	}
	registry.update("r1", func(j *RenderJob) {
		j.Status = RenderDone
		j.Peak = 0.5
	})

	// 快照不随后续更新变化
	if before.Status != RenderRunning || before.Peak != 0 {
		t.Errorf("snapshot must not see later updates, got %s peak=%v", before.Status, before.Peak)
	}
	after, _ := registry.get("r1")
	if after.Status != RenderDone || after.Peak != 0.5 {
		t.Errorf("fresh read should see the update, got %s peak=%v", after.Status, after.Peak)
	}
}

func TestRenderRegistryConcurrentReadWrite(t *testing.T) {
	registry := newRenderRegistry()
	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	registry.add(&RenderJob{ID: "r1", ProjectID: "p1", Status: RenderRunning, cancel: cancel})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			registry.update("r1", func(j *RenderJob) { j.Duration += 0.001 })
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			if job, ok := registry.get("r1"); ok && job.ID != "r1" {
				t.Error("corrupt snapshot")
			}
		}
	}()
	wg.Wait()
}
