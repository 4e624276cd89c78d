package fleet

import (
	"testing"

	"github.com/charmbracelet/log/v2"
	"github.com/matryer/is"

	"github.com/smarkets/marge/pkg/worker"
)

func TestWorkerKeyFormat(t *testing.T) {
	is := is.New(t)
	is.Equal(workerKey(42, "main"), "42/main")
	is.True(workerKey(1, "main") != workerKey(2, "main"))
}

func newTestCoordinator() *Coordinator {
	return &Coordinator{
		Logger:  log.Default(),
		running: make(map[string]*runningWorker),
	}
}

func TestRetireAllSignalsEveryWorker(t *testing.T) {
	is := is.New(t)
	c := newTestCoordinator()

	rw1 := &runningWorker{w: &worker.Worker{}, shutdown: make(chan struct{}), done: make(chan struct{})}
	rw2 := &runningWorker{w: &worker.Worker{}, shutdown: make(chan struct{}), done: make(chan struct{})}
	close(rw1.done)
	close(rw2.done)
	c.running["1/main"] = rw1
	c.running["2/main"] = rw2

	c.retireAll()

	select {
	case <-rw1.shutdown:
	default:
		t.Fatal("rw1 was not signaled to shut down")
	}
	select {
	case <-rw2.shutdown:
	default:
		t.Fatal("rw2 was not signaled to shut down")
	}
	is.Equal(len(c.running), 0)
}

func TestRetireMissingOnlyStopsUnwantedWorkers(t *testing.T) {
	is := is.New(t)
	c := newTestCoordinator()

	keep := &runningWorker{w: &worker.Worker{}, shutdown: make(chan struct{}), done: make(chan struct{})}
	drop := &runningWorker{w: &worker.Worker{}, shutdown: make(chan struct{}), done: make(chan struct{})}
	c.running["1/main"] = keep
	c.running["2/main"] = drop

	c.retireMissing(map[string]struct{}{"1/main": {}})

	select {
	case <-drop.shutdown:
	default:
		t.Fatal("drop should have been signaled")
	}
	select {
	case <-keep.shutdown:
		t.Fatal("keep should not have been signaled")
	default:
	}
	is.Equal(len(c.running), 1)
	_, stillThere := c.running["1/main"]
	is.True(stillThere)
}
