// Package admin serves a replica's HTTP admin surface and monitors the
// admin surfaces of its peers. Data never flows over HTTP; this is for
// operators and tooling only.
package admin

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/dreamware/shardkv/internal/shard"
)

// Source is the replica state the admin surface reports; *shard.Router
// implements it.
type Source interface {
	Info() (shard.Info, error)
	Owner(key string) int
	Config() shard.Config
}

type healthResponse struct {
	Status string `json:"status"`
	Index  int    `json:"index"`
}

// InfoResponse is the body of GET /info.
type InfoResponse struct {
	Replica    shard.Info   `json:"replica"`
	PeerHealth []PeerHealth `json:"peer_health,omitempty"`
}

// ShardResponse is the body of GET /shard/{key}.
type ShardResponse struct {
	Key   string `json:"key"`
	Shard int    `json:"shard"`
	Addr  string `json:"addr"`
	Local bool   `json:"local"`
}

// NewRouter builds the admin handler:
//
//	GET /health       liveness, {"status":"ok","index":N}
//	GET /info         router, storage and cache state plus peer health
//	GET /shard/{key}  which replica owns key
//
// mon may be nil when peer monitoring is disabled.
func NewRouter(src Source, mon *HealthMonitor) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Index: src.Config().Index})
	})

	r.Get("/info", func(w http.ResponseWriter, _ *http.Request) {
		info, err := src.Info()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		resp := InfoResponse{Replica: info}
		if mon != nil {
			all := mon.All()
			idx := maps.Keys(all)
			slices.Sort(idx)
			for _, i := range idx {
				resp.PeerHealth = append(resp.PeerHealth, all[i])
			}
		}
		writeJSON(w, http.StatusOK, resp)
	})

	r.Get("/shard/{key}", func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")
		cfg := src.Config()
		owner := src.Owner(key)
		writeJSON(w, http.StatusOK, ShardResponse{
			Key:   key,
			Shard: owner,
			Addr:  cfg.Addrs[owner],
			Local: owner == cfg.Index,
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("admin: error writing response: %v", err)
	}
}
