package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/yungbote/scribehub-backend/internal/ctxutil"
	httpMW "github.com/yungbote/scribehub-backend/internal/http/middleware"
)

// scribectl is the operator CLI. Every command goes through the control
// plane's admin API; nothing talks to postgres or redis directly.

const usage = `usage: scribectl <command> [args]

commands:
  engines list
  engines drain <engine_id>
  jobs cancel <job_id>
  jobs retry-task <task_id>
  deliveries list
  sessions list
  sessions terminate <session_id>

environment:
  SCRIBEHUB_API     base URL, default http://localhost:8080
  SCRIBEHUB_TOKEN   admin bearer token; minted locally from
                    JWT_SECRET_KEY when unset
`

type cli struct {
	base   string
	token  string
	client *http.Client
}

func main() {
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	args := flag.Args()
	if len(args) < 2 {
		flag.Usage()
		os.Exit(2)
	}

	c := &cli{
		base:   envOr("SCRIBEHUB_API", "http://localhost:8080"),
		token:  os.Getenv("SCRIBEHUB_TOKEN"),
		client: &http.Client{Timeout: 15 * time.Second},
	}
	if c.token == "" {
		token, err := mintLocalToken()
		if err != nil {
			fail("mint token: %v", err)
		}
		c.token = token
	}

	var err error
	switch args[0] + " " + args[1] {
	case "engines list":
		err = c.listEngines()
	case "engines drain":
		err = c.post("/api/admin/engines/"+requireArg(args, 2, "engine_id")+"/drain", nil)
	case "jobs cancel":
		err = c.post("/api/jobs/"+requireArg(args, 2, "job_id")+"/cancel", nil)
	case "jobs retry-task":
		err = c.post("/api/admin/tasks/"+requireArg(args, 2, "task_id")+"/retry", nil)
	case "deliveries list":
		err = c.listDeliveries()
	case "sessions list":
		err = c.listSessions()
	case "sessions terminate":
		err = c.post("/api/admin/sessions/"+requireArg(args, 2, "session_id")+"/terminate", nil)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fail("%v", err)
	}
}

func (c *cli) listEngines() error {
	var out struct {
		Engines []struct {
			EngineID      string `json:"engine_id"`
			Stage         string `json:"stage"`
			Status        string `json:"status"`
			CurrentTask   string `json:"current_task"`
			LastHeartbeat string `json:"last_heartbeat"`
		} `json:"engines"`
	}
	if err := c.get("/api/admin/engines", &out); err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ENGINE\tSTAGE\tSTATUS\tTASK\tLAST HEARTBEAT")
	for _, e := range out.Engines {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.EngineID, e.Stage, e.Status, e.CurrentTask, e.LastHeartbeat)
	}
	return w.Flush()
}

func (c *cli) listDeliveries() error {
	var out struct {
		Deliveries []struct {
			ID          uuid.UUID  `json:"id"`
			EventType   string     `json:"event_type"`
			EndpointID  *uuid.UUID `json:"endpoint_id"`
			URLOverride string     `json:"url_override"`
			Status      string     `json:"status"`
			Attempts    int        `json:"attempts"`
			LastStatus  int        `json:"last_status_code"`
		} `json:"deliveries"`
	}
	if err := c.get("/api/admin/webhook-deliveries", &out); err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tEVENT\tTARGET\tSTATUS\tATTEMPTS\tHTTP")
	for _, d := range out.Deliveries {
		target := d.URLOverride
		if target == "" && d.EndpointID != nil {
			target = "endpoint:" + d.EndpointID.String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\n", d.ID, d.EventType, target, d.Status, d.Attempts, d.LastStatus)
	}
	return w.Flush()
}

func (c *cli) listSessions() error {
	var out struct {
		Sessions []struct {
			ID        uuid.UUID `json:"id"`
			Status    string    `json:"status"`
			WorkerID  string    `json:"worker_id"`
			Language  string    `json:"language"`
			StartedAt string    `json:"started_at"`
		} `json:"sessions"`
	}
	if err := c.get("/api/realtime/sessions", &out); err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tWORKER\tLANG\tSTARTED")
	for _, s := range out.Sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.Status, s.WorkerID, s.Language, s.StartedAt)
	}
	return w.Flush()
}

func (c *cli) get(path string, out any) error {
	return c.do(http.MethodGet, path, nil, out)
}

func (c *cli) post(path string, body any) error {
	if err := c.do(http.MethodPost, path, body, nil); err != nil {
		return err
	}
	fmt.Println("ok")
	return nil
}

func (c *cli) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, bytes.TrimSpace(raw))
	}
	if out != nil {
		return json.Unmarshal(raw, out)
	}
	return nil
}

// mintLocalToken builds a short-lived admin token from the shared secret.
// Only useful against a control plane that shares JWT_SECRET_KEY, i.e.
// local development.
func mintLocalToken() (string, error) {
	secret := envOr("JWT_SECRET_KEY", "defaultsecret")
	now := time.Now()
	return httpMW.MintToken([]byte(secret), ctxutil.Principal{
		UserID:   uuid.New(),
		TenantID: uuid.New(),
		Scopes:   []string{httpMW.ScopeAdmin, httpMW.ScopeJobsRead, httpMW.ScopeJobsWrite, httpMW.ScopeSessionsWrite},
	}, jwt.RegisteredClaims{
		Issuer:    "scribectl",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(15 * time.Minute)),
	})
}

func requireArg(args []string, i int, name string) string {
	if len(args) <= i || args[i] == "" {
		fail("missing %s argument", name)
	}
	return args[i]
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
