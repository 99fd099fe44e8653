package server

import (
	"context"
	"log"

	"github.com/dreamware/shardkv/internal/shard"
	"github.com/dreamware/shardkv/internal/storage"
	"github.com/dreamware/shardkv/internal/wire"
)

// Handler turns one request into its response. Process runs on a Pool
// goroutine and may block.
type Handler interface {
	Process(ctx context.Context, req wire.Request) wire.Response
}

// Locality is implemented by handlers that can tell which requests are
// answered without contacting another replica.
type Locality interface {
	Local(req wire.Request) bool
}

// Owner is implemented by backends that know which keys they store
// themselves; *shard.Router implements it.
type Owner interface {
	Owns(key string) bool
}

// Backend is the batch API a Worker drives; *shard.Router implements it.
type Backend interface {
	Get(ctx context.Context, reqs []storage.GetRequest, cb shard.GetCallback) error
	Put(ctx context.Context, reqs []storage.PutRequest, cb shard.PutCallback) error
	Delete(ctx context.Context, keys []string, cb shard.DeleteCallback) error
}

// Worker is the Handler of a replica: each get, put or delete becomes a
// single-element batch call into the Backend.
type Worker struct {
	backend Backend
}

func NewWorker(b Backend) *Worker {
	return &Worker{backend: b}
}

// Local reports whether req touches only keys the backend owns. Requests
// that never reach the backend count as local. Without an Owner backend
// every keyed request is treated as remote.
func (w *Worker) Local(req wire.Request) bool {
	o, ok := w.backend.(Owner)
	switch req.Op() {
	case wire.OpGet:
		return ok && o.Owns(req.Get.Key)
	case wire.OpPut:
		return ok && o.Owns(req.Put.Key)
	case wire.OpDelete:
		return ok && o.Owns(req.Delete.Key)
	default:
		return true
	}
}

// Process executes req and always returns a response carrying req.ID.
// Exec and malformed requests are answered with CodeInvalid; they never
// affect the connection.
func (w *Worker) Process(ctx context.Context, req wire.Request) wire.Response {
	resp := wire.Response{ID: req.ID}

	op := req.Op()
	switch op {
	case wire.OpGet:
		err := w.backend.Get(ctx, []storage.GetRequest{{Key: req.Get.Key, ExecOnly: req.Get.ExecOnly}},
			func(_ storage.GetRequest, rec storage.Record, err error) {
				resp.Code = shard.CodeOf(err)
				if err == nil {
					resp.Val = rec.Content
					resp.Immutable = rec.Immutable
					resp.Executable = rec.Executable
				}
				w.logFailure(op, req.Get.Key, err)
			})
		w.callFailed(&resp, op, err)

	case wire.OpPut:
		put := storage.PutRequest{
			Key:        req.Put.Key,
			Data:       req.Put.Val,
			Immutable:  req.Put.Immutable,
			Executable: req.Put.Executable,
		}
		err := w.backend.Put(ctx, []storage.PutRequest{put}, func(_ storage.PutRequest, err error) {
			resp.Code = shard.CodeOf(err)
			w.logFailure(op, put.Key, err)
		})
		w.callFailed(&resp, op, err)

	case wire.OpDelete:
		err := w.backend.Delete(ctx, []string{req.Delete.Key}, func(key string, err error) {
			resp.Code = shard.CodeOf(err)
			w.logFailure(op, key, err)
		})
		w.callFailed(&resp, op, err)

	case wire.OpExec:
		log.Printf("worker: exec %q is not supported by the storage core", req.Exec.Func)
		resp.Code = wire.CodeInvalid

	default:
		log.Printf("worker: unknown operation in request %d", req.ID)
		resp.Code = wire.CodeInvalid
	}

	return resp
}

func (w *Worker) callFailed(resp *wire.Response, op wire.Op, err error) {
	if err == nil {
		return
	}
	log.Printf("worker: %s request %d failed: %v", op, resp.ID, err)
	resp.Code = wire.CodeIOError
	resp.Val, resp.Immutable, resp.Executable = nil, false, false
}

func (w *Worker) logFailure(op wire.Op, key string, err error) {
	if shard.CodeOf(err) == wire.CodeIOError {
		log.Printf("worker: %s %q: %v", op, key, err)
	}
}
