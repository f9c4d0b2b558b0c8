package main

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"crdtkit/crdt"
)

type counterRequest struct {
	Delta int64 `json:"delta"`
}

func (n *Node) routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"status":  "ok",
			"replica": n.replica,
			"uptime":  time.Since(n.startTime).Round(time.Second).String(),
		}
		if n.gossip != nil {
			response["peerId"] = n.gossip.ID().String()
		}
		writeJSON(w, http.StatusOK, response)
	})

	mux.HandleFunc("/peers", func(w http.ResponseWriter, r *http.Request) {
		if n.gossip == nil {
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"network":        n.config.Network.Type,
				"connectedPeers": []string{},
			})
			return
		}

		peers := []string{}
		for _, p := range n.gossip.Host().Network().Peers() {
			peers = append(peers, p.String())
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"network":        n.config.Network.Type,
			"peerId":         n.gossip.ID().String(),
			"peerAddrs":      n.gossip.Addrs(),
			"connectedPeers": peers,
		})
	})

	mux.HandleFunc("/counter", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, map[string]int64{"value": n.counter.Get().Value()})
		case http.MethodPost:
			n.handleCounterUpdate(w, r)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	})

	mux.HandleFunc("/members", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		writeJSON(w, http.StatusOK, map[string][]string{"members": crdt.SortedElements(n.members.Get())})
	})

	mux.HandleFunc("/members/", func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/members/")
		if name == "" {
			writeError(w, http.StatusBadRequest, "member name is required")
			return
		}

		switch r.Method {
		case http.MethodGet:
			if !n.members.Get().Contains(name) {
				writeError(w, http.StatusNotFound, "member not found")
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"member": name})
		case http.MethodPost, http.MethodPut:
			n.updateMembers(w, r, func(s *MemberSet) error {
				s.Add(name)
				return nil
			})
		case http.MethodDelete:
			n.updateMembers(w, r, func(s *MemberSet) error {
				s.Remove(name)
				return nil
			})
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	})

	return mux
}

func (n *Node) handleCounterUpdate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	var req counterRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Delta == 0 {
		writeError(w, http.StatusBadRequest, "delta must not be zero")
		return
	}

	err = n.counter.Mutate(r.Context(), func(c *crdt.PNCounter) error {
		if req.Delta > 0 {
			c.Increment(uint64(req.Delta))
		} else {
			c.Decrement(uint64(-req.Delta))
		}
		return nil
	})
	if err != nil {
		logger.Errorf("Failed to update counter: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"value": n.counter.Get().Value()})
}

func (n *Node) updateMembers(w http.ResponseWriter, r *http.Request, f func(*MemberSet) error) {
	if err := n.members.Mutate(r.Context(), f); err != nil {
		logger.Errorf("Failed to update members: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debugf("Failed to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
