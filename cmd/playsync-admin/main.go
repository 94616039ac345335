// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/term"

	"github.com/spencerc99/playhtml-sub002/client"
	"github.com/spencerc99/playhtml-sub002/crdt"
	"github.com/spencerc99/playhtml-sub002/internal/roomid"
)

const usage = `Usage: %s [arguments] <command> <room> [command arguments]

Drives the admin API of a running playsync coordinator.

Commands:
  inspect <room>                       Show the room's live state summary
  raw <room>                           Show the stored snapshot and its metadata
  live-compare <room>                  Compare the stored snapshot against live state
  force-save <room>                    Persist the live document now
  force-reload <room>                  Merge the stored snapshot back into the live document
  hard-reset <room>                    Wipe the room's history and kick its clients
  restore <room> <file>                Replace the stored document with a snapshot file
  remove-subscriber <room> <consumer>  Drop one consumer room's subscription
  set-redirect <room> <old-name>       Point a legacy room name at this room
  purge-room <room>                    Delete everything stored under the name
  search <room> <query>                Full text search; results span all rooms
  watch <room>                         Tail the room's live updates

The room can be a canonical room ID or any spelling the server normalizes,
like "example.com" or "example.com-%%2Fgarden".

Arguments:
`

var (
	serverURL = flag.String("url", "http://localhost:8787", "The base URL of the coordinator")
	token     = flag.String("token", "", "The admin bearer token; falls back to $PLAYSYNC_ADMIN_TOKEN, then an interactive prompt")
	timeout   = flag.Duration("timeout", 30*time.Second, "Timeout for admin requests")
	bumpEpoch = flag.Bool("bump-epoch", false, "With restore: bump the reset epoch so clients drop cached state")
	migrated  = flag.Bool("migrated", false, "With set-redirect: mark the legacy room's data as already folded in")
	limit     = flag.Int("limit", 10, "With search: maximum number of results")
)

func main() {
	name := os.Args[0]
	flag.Usage = func() {
		_, _ = fmt.Fprintf(os.Stderr, usage, name)
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) < 2 {
		flag.Usage()
		os.Exit(1)
	}
	command, room := args[0], args[1]
	if roomid.IsInvalid(room) {
		logrus.Fatalf("%q can never name a room", room)
	}

	if command == "watch" {
		if err := watchRoom(strings.TrimSuffix(*serverURL, "/"), room); err != nil {
			logrus.Fatalln("Watch ended with an error:", err.Error())
		}
		return
	}

	adminToken, err := getToken(*token)
	if err != nil {
		logrus.Fatalln(err.Error())
	}
	ac := &adminClient{
		baseURL: strings.TrimSuffix(*serverURL, "/"),
		token:   adminToken,
		client:  &http.Client{Timeout: *timeout},
	}

	var body []byte
	switch command {
	case "inspect":
		body, err = ac.roomOp(http.MethodGet, room, "inspect", nil, nil)
	case "raw":
		body, err = ac.roomOp(http.MethodGet, room, "raw-data", nil, nil)
	case "live-compare":
		body, err = ac.roomOp(http.MethodGet, room, "live-compare", nil, nil)
	case "force-save":
		body, err = ac.roomOp(http.MethodPost, room, "force-save-live", nil, nil)
	case "force-reload":
		body, err = ac.roomOp(http.MethodPost, room, "force-reload-live", nil, nil)
	case "hard-reset":
		body, err = ac.roomOp(http.MethodPost, room, "hard-reset", nil, nil)
	case "restore":
		if len(args) < 3 {
			logrus.Fatal("restore needs the path of a snapshot file")
		}
		var snapshot []byte
		snapshot, err = os.ReadFile(args[2])
		if err != nil {
			logrus.Fatalln("Failed to read the snapshot file:", err.Error())
		}
		body, err = ac.roomOp(http.MethodPost, room, "restore-raw", nil, map[string]interface{}{
			"base64Snapshot": base64.StdEncoding.EncodeToString(snapshot),
			"bumpEpoch":      *bumpEpoch,
		})
	case "remove-subscriber":
		if len(args) < 3 {
			logrus.Fatal("remove-subscriber needs the consumer room ID")
		}
		body, err = ac.roomOp(http.MethodPost, room, "remove-subscriber", nil, map[string]interface{}{
			"consumerRoomId": args[2],
		})
	case "set-redirect":
		if len(args) < 3 {
			logrus.Fatal("set-redirect needs the legacy room name")
		}
		body, err = ac.roomOp(http.MethodPost, room, "set-redirect", nil, map[string]interface{}{
			"fromRoomId": args[2],
			"migrated":   *migrated,
		})
	case "purge-room":
		body, err = ac.roomOp(http.MethodPost, room, "purge-room", nil, nil)
	case "search":
		if len(args) < 3 {
			logrus.Fatal("search needs a query")
		}
		query := url.Values{}
		query.Set("q", args[2])
		query.Set("limit", strconv.Itoa(*limit))
		body, err = ac.roomOp(http.MethodGet, room, "search", query, nil)
	default:
		flag.Usage()
		os.Exit(1)
	}
	if err != nil {
		logrus.Fatalln(err.Error())
	}

	var pretty bytes.Buffer
	if err = json.Indent(&pretty, body, "", "  "); err != nil {
		fmt.Println(string(body))
		return
	}
	fmt.Println(pretty.String())
}

// getToken resolves the admin token: the flag wins, then the environment,
// then an interactive prompt. An empty token is fine against a coordinator
// running with admin auth disabled.
func getToken(flagToken string) (string, error) {
	if flagToken != "" {
		return flagToken, nil
	}
	if envToken := os.Getenv("PLAYSYNC_ADMIN_TOKEN"); envToken != "" {
		return envToken, nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", nil
	}
	fmt.Print("Enter admin token (empty if auth is disabled): ")
	byteToken, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return "", fmt.Errorf("unable to read the admin token: %v", err)
	}
	fmt.Println()
	return strings.TrimSpace(string(byteToken)), nil
}

type adminClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// roomOp calls one admin operation on a room. The room travels verbatim in
// the path: canonical IDs are already percent-encoded and the server
// normalizes legacy spellings itself.
func (a *adminClient) roomOp(method, room, op string, query url.Values, payload interface{}) ([]byte, error) {
	target := a.baseURL + "/room/" + room + "/admin/" + op
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var reqBody io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, target, reqBody)
	if err != nil {
		return nil, err
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() // nolint: errcheck
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		if message := gjson.GetBytes(body, "message").Str; message != "" {
			return nil, fmt.Errorf("%s: %s", resp.Status, message)
		}
		return nil, fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return body, nil
}

// watchRoom tails a room over the sync websocket: the full state once, then
// every change as it lands, until interrupted.
func watchRoom(baseURL, room string) error {
	updates := make(chan []crdt.ChangedKey, 64)
	resets := make(chan int64, 4)
	broadcasts := make(chan []byte, 64)

	c, err := client.Dial(context.Background(), client.Options{
		BaseURL: baseURL,
		Room:    room,
		Handlers: client.Handlers{
			OnUpdate:    func(changed []crdt.ChangedKey) { updates <- changed },
			OnRoomReset: func(epoch int64) { resets <- epoch },
			OnBroadcast: func(frame []byte) { broadcasts <- frame },
		},
	})
	if err != nil {
		return err
	}
	defer c.Close() // nolint: errcheck

	select {
	case <-c.Synced():
	case <-c.Done():
		return c.Err()
	}
	state, err := json.MarshalIndent(c.Play(), "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(state))

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	for {
		select {
		case changed := <-updates:
			play := c.Play()
			for _, key := range changed {
				if key.Deleted {
					fmt.Printf("%s deleted %s/%s\n", stamp(), key.Tag, key.Element)
					continue
				}
				value, _ := json.Marshal(play[key.Tag][key.Element])
				fmt.Printf("%s %s/%s = %s\n", stamp(), key.Tag, key.Element, value)
			}
		case epoch := <-resets:
			fmt.Printf("%s room reset to epoch %d\n", stamp(), epoch)
		case frame := <-broadcasts:
			fmt.Printf("%s broadcast %s\n", stamp(), frame)
		case <-sigs:
			return nil
		case <-c.Done():
			return c.Err()
		}
	}
}

func stamp() string {
	return time.Now().Format("15:04:05.000")
}
