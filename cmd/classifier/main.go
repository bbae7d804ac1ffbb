// A heuristic stand-in for the hosted text-safety classifier. It speaks the
// same HTTP contract the moderation gate expects, so a development stack can
// run end to end without external credentials.
package main

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/campuslink/chat-core/internal/moderation"
)

type classifyRequest struct {
	Text string `json:"text"`
}

type classifyResponse struct {
	Verdict string `json:"verdict"` // "safe" | "unsafe"
	Reason  string `json:"reason,omitempty"`
}

func main() {
	addr := ":9090"
	if v := os.Getenv("CLASSIFIER_ADDR"); v != "" {
		addr = v
	}

	var terms []string
	if v := os.Getenv("CLASSIFIER_BLOCKED_TERMS"); v != "" {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				terms = append(terms, t)
			}
		}
	}

	heuristics := moderation.NewHeuristics(terms)

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/classify", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req classifyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		resp := classifyResponse{Verdict: "safe"}
		if result := heuristics.Check(req.Text); result.Unsafe {
			resp.Verdict = "unsafe"
			resp.Reason = result.Reason
			log.Printf("[classifier] unsafe rule=%s", result.Rule)
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			log.Printf("[classifier] write response: %v", err)
		}
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	log.Printf("classifier listening on %s (blocked terms: %d)", addr, len(terms))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("classifier server error: %v", err)
	}
}
