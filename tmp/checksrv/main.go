package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"

	"jobline/internal/app"
	"jobline/internal/server"
	joblinesdk "jobline/sdk/go"
)

// Smoke harness: boots the full stack against a scratch workspace and runs
// one create/ingest/delete round trip through the SDK.
func main() {
	workspace, err := os.MkdirTemp("", "jobline-check")
	if err != nil {
		fatal(err)
	}
	defer os.RemoveAll(workspace)

	eng, conn, err := app.Open(workspace)
	if err != nil {
		fatal(err)
	}
	defer conn.Close()

	handler, err := server.New(server.Config{Engine: eng, BasePath: "/v1", Auth: server.AuthConfig{AllowAnonymous: true}})
	if err != nil {
		fatal(err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		fatal(err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	defer srv.Shutdown(context.Background())

	ctx := context.Background()
	client := joblinesdk.New("http://" + ln.Addr().String() + "/v1")
	client.ActorID = "checksrv"

	campaign, err := client.CreateCampaign(ctx, "smoke", "user-1")
	if err != nil {
		fatal(err)
	}
	posting, err := client.IngestPosting(ctx, campaign.ID, "smoke", "https://example.com/job", "Engineer")
	if err != nil {
		fatal(err)
	}
	entries, err := client.History(ctx, posting.ID, 10, 0)
	if err != nil {
		fatal(err)
	}
	report, err := client.DeleteCampaign(ctx, campaign.ID)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("campaign=%d posting=%s history=%d removed=%d\n", campaign.ID, posting.ID, len(entries), report.TotalRemoved)
}

func fatal(err error) {
	fmt.Println("checksrv:", err)
	os.Exit(1)
}
