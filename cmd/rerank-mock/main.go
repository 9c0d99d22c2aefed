// Command rerank-mock is a stand-in for a cross-encoder rerank service. It
// scores candidates by query term overlap and answers in the id based shape
// the http reranker accepts.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/common/logger"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/common/textsim"
)

type candidate struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type rerankRequest struct {
	Query      string      `json:"query"`
	Candidates []candidate `json:"candidates"`
	TopN       int         `json:"top_n"`
}

type ranked struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

type rerankResponse struct {
	Ranking []ranked `json:"ranking"`
}

func rank(req rerankRequest) rerankResponse {
	q := textsim.Terms(req.Query)
	out := rerankResponse{Ranking: make([]ranked, 0, len(req.Candidates))}
	for _, c := range req.Candidates {
		out.Ranking = append(out.Ranking, ranked{ID: c.ID, Score: textsim.Overlap(q, textsim.Terms(c.Text))})
	}
	sort.SliceStable(out.Ranking, func(i, j int) bool { return out.Ranking[i].Score > out.Ranking[j].Score })
	if req.TopN > 0 && len(out.Ranking) > req.TopN {
		out.Ranking = out.Ranking[:req.TopN]
	}
	return out
}

func handler(log *zap.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/rerank", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req rerankRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.Debug("rerank", zap.Int("candidates", len(req.Candidates)), zap.Int("top_n", req.TopN))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(rank(req))
	})
	return mux
}

func main() {
	var addr string
	cmd := &cobra.Command{
		Use:   "rerank-mock",
		Short: "Serve a term overlap reranker on /rerank",
		RunE: func(cmd *cobra.Command, _ []string) error {
			log, err := logger.Init(logger.Options{Level: "info", Format: "console"})
			if err != nil {
				return err
			}
			log.Info("reranker mock listening", zap.String("addr", addr))
			srv := &http.Server{Addr: addr, Handler: handler(log), ReadHeaderTimeout: 5 * time.Second}
			return srv.ListenAndServe()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", envOr("RERANK_ADDR", ":8082"), "listen address")
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
