package server

import (
	"context"
	"log"

	"github.com/brightwing/rtspcam/util/bpipes"
)

// videoWorker is the Video Worker mode of spec.md §4.6: PushFrame hands
// a frame to a single-slot buffer and returns; a dedicated goroutine
// drains it and performs the fan-out, decoupling the producer's timing
// from network stalls.
//
// Built on the teacher's util/bpipes generic pipeline, repurposed from
// a throttle/split pipeline into a plain single-stage relay: the
// PauserStage stays permanently unpaused here (the ready/not-playing
// drop decision is made by Server.ready against the registry, not by
// the pipeline), so what bpipes contributes is the capacity-1 head
// channel plus its teardown/error-propagation machinery.
type videoWorker struct {
	head   chan videoFrame
	tail   <-chan videoFrame
	errs   <-chan error
	pauser *bpipes.PauserStage
	cancel context.CancelFunc
}

func newVideoWorker() *videoWorker {
	ctx, cancel := context.WithCancel(context.Background())

	head := make(chan videoFrame, 1)
	pauser := bpipes.NewPauserStage()
	pauser.SetPaused(false)
	tail, errs := bpipes.NewPipeline[videoFrame](ctx, head, pauser)

	return &videoWorker{head: head, tail: tail, errs: errs, pauser: pauser, cancel: cancel}
}

// push attempts a non-blocking hand-off, dropping the frame if the
// single slot is already occupied.
func (w *videoWorker) push(frame videoFrame) {
	select {
	case w.head <- frame:
	default:
	}
}

// run drains fanned-out frames until the worker is interrupted. It is
// meant to be wired as an actor in an oklog/run.Group.
func (w *videoWorker) run(fanOut func(videoFrame) error) error {
	for {
		select {
		case frame, ok := <-w.tail:
			if !ok {
				return nil
			}
			if err := fanOut(frame); err != nil {
				log.Printf("server: video worker fan-out failed: %v", err)
			}
		case err, ok := <-w.errs:
			if ok && err != nil {
				log.Printf("server: video pipeline stage error: %v", err)
			}
		}
	}
}

func (w *videoWorker) interrupt() {
	w.cancel()
}
