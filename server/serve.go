package server

import (
	"context"
	"log"

	"Lumen/internal/runtime"
)

// Generator runs generations; runtime.Adapter and *runtime.Manager satisfy
// it.
type Generator interface {
	Generate(ctx context.Context, req runtime.Request) (runtime.Response, error)
	Stream(ctx context.Context, req runtime.Request, cb runtime.StreamCallback) error
}

// Serve handles messages from recv one at a time until ctx ends or recv
// fails. kindOf names error kinds for the wire and may be nil.
func Serve(ctx context.Context, recv Receiver, gen Generator, kindOf func(error) string) error {
	if kindOf == nil {
		kindOf = func(error) string { return "" }
	}
	msgs := make(chan Message)
	errc := make(chan error, 1)
	go func() {
		for {
			msg, err := recv.Receive()
			if err != nil {
				errc <- err
				return
			}
			select {
			case msgs <- msg:
			case <-ctx.Done():
				_ = msg.RespondError(ctx.Err(), "")
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			return err
		case msg := <-msgs:
			Handle(ctx, gen, msg, kindOf)
		}
	}
}

// Handle runs one message and sends the outcome back.
func Handle(ctx context.Context, gen Generator, msg Message, kindOf func(error) string) {
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(msg.Context(), cancel)
	defer stop()

	req := runtime.Request{
		Prompt:  msg.Prompt,
		Image:   msg.Images,
		Audio:   msg.Audio,
		Options: msg.Options.Generation(),
	}

	fail := func(err error) {
		log.Printf("server: request %s: %v", msg.ID, err)
		if respErr := msg.RespondError(err, kindOf(err)); respErr != nil {
			log.Printf("server: request %s: reply: %v", msg.ID, respErr)
		}
	}

	if !msg.Stream {
		resp, err := gen.Generate(reqCtx, req)
		if err != nil {
			fail(err)
			return
		}
		if err := msg.Respond(resp.Text, resp.Finish, WireStats(resp.Stats)); err != nil {
			log.Printf("server: request %s: reply: %v", msg.ID, err)
		}
		return
	}

	var text []byte
	var final runtime.StreamEvent
	err := gen.Stream(reqCtx, req, func(ev runtime.StreamEvent) error {
		if ev.Final {
			final = ev
			return nil
		}
		text = append(text, ev.Token...)
		return msg.StreamToken(ev.Token)
	})
	if err == nil {
		err = final.Err
	}
	if err != nil {
		fail(err)
		return
	}

	var stats *Stats
	if final.Stats != nil {
		stats = WireStats(*final.Stats)
	}
	if err := msg.Respond(string(text), final.Finish, stats); err != nil {
		log.Printf("server: request %s: reply: %v", msg.ID, err)
	}
}
