package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"NovaPilot/sdk/go/novapilot"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/goals", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(novapilot.Goal{
			ID:          "goal-demo",
			Description: "research the demo flow",
			Status:      "pending",
			CreatedAt:   time.Now().Unix(),
		})
	})
	mux.HandleFunc("POST /api/v1/goals/goal-demo/execute", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(novapilot.Goal{
			ID:          "goal-demo",
			Status:      "completed",
			CompletedAt: time.Now().Unix(),
		})
	})
	mux.HandleFunc("GET /api/v1/status", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(novapilot.Status{
			Trend:    "stable",
			Autonomy: "supervised",
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := novapilot.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}
	client.SetAPIKey("demo-key")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	g, err := client.CreateGoal(ctx, novapilot.GoalRequest{Description: "research the demo flow"})
	if err != nil {
		panic(err)
	}
	fmt.Printf("created goal %s (%s)\n", g.ID, g.Status)

	done, err := client.ExecuteGoal(ctx, g.ID, 5*time.Second)
	if err != nil {
		panic(err)
	}
	fmt.Printf("goal finished with status %s\n", done.Status)

	status, err := client.GetStatus(ctx)
	if err != nil {
		panic(err)
	}
	fmt.Printf("agent trend=%s autonomy=%s\n", status.Trend, status.Autonomy)
}
