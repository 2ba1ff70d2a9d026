package firehose

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

const reconnectDelay = 5 * time.Second

// wantedCollections is the set of AT Proto collection NSIDs this subscriber
// requests from Jetstream. Only like and repost events are needed for
// tallying.
var wantedCollections = []string{
	CollectionLike,
	CollectionRepost,
}

// CommitHandler receives parsed commit events plus connection lifecycle
// notifications.
type CommitHandler interface {
	// HandleCommit processes one commit event. Errors are logged by the
	// subscriber and never interrupt the stream.
	HandleCommit(event *Event) error

	// Connected is called each time a WebSocket connection is established.
	Connected()
}

// Subscriber connects to the Jetstream firehose and processes events.
type Subscriber struct {
	url     string
	handler CommitHandler
	logger  *slog.Logger
}

// NewSubscriber creates a new firehose subscriber.
func NewSubscriber(firehoseURL string, handler CommitHandler, logger *slog.Logger) *Subscriber {
	return &Subscriber{
		url:     firehoseURL,
		handler: handler,
		logger:  logger,
	}
}

// Start connects to the firehose and processes events until the context is
// cancelled. It automatically reconnects on transient errors.
func (s *Subscriber) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			if err := s.subscribe(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.logger.Error("firehose connection error, reconnecting", "error", err)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(reconnectDelay):
					// backoff before reconnecting
				}
			}
		}
	}
}

func (s *Subscriber) buildURL() string {
	u, _ := url.Parse(s.url)
	q := u.Query()
	for _, c := range wantedCollections {
		q.Add("wantedCollections", c)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (s *Subscriber) subscribe(ctx context.Context) error {
	wsURL := s.buildURL()
	s.logger.Info("connecting to firehose", "url", wsURL)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial firehose: %w", err)
	}
	defer conn.Close()

	s.logger.Info("connected to firehose")
	s.handler.Connected()

	var eventsReceived, commitsReceived int64
	lastStatsLog := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}

		event, err := parseEvent(message)
		if err != nil {
			s.logger.Error("failed to parse event", "error", err)
			continue
		}

		eventsReceived++

		if event.Kind == "commit" && event.Commit != nil {
			commitsReceived++
			if err := s.handler.HandleCommit(event); err != nil {
				s.logger.Error("failed to handle commit", "error", err)
			}
		}

		// Log stats every 30 seconds
		if time.Since(lastStatsLog) >= 30*time.Second {
			s.logger.Info("firehose stats",
				"events_received", eventsReceived,
				"commits_received", commitsReceived,
			)
			lastStatsLog = time.Now()
		}
	}
}

func parseEvent(data []byte) (*Event, error) {
	var raw struct {
		DID    string          `json:"did"`
		TimeUS int64           `json:"time_us"`
		Kind   string          `json:"kind"`
		Commit json.RawMessage `json:"commit,omitempty"`
	}

	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}

	event := &Event{
		DID:    raw.DID,
		TimeUS: raw.TimeUS,
		Kind:   raw.Kind,
	}

	if raw.Kind == "commit" && len(raw.Commit) > 0 {
		var rc struct {
			Rev        string          `json:"rev"`
			Operation  string          `json:"operation"`
			Collection string          `json:"collection"`
			RKey       string          `json:"rkey"`
			Record     json.RawMessage `json:"record,omitempty"`
			CID        string          `json:"cid"`
		}
		if err := json.Unmarshal(raw.Commit, &rc); err != nil {
			return nil, fmt.Errorf("unmarshal commit: %w", err)
		}

		commit := &Commit{
			Rev:        rc.Rev,
			Operation:  rc.Operation,
			Collection: rc.Collection,
			RKey:       rc.RKey,
			CID:        rc.CID,
		}

		if len(rc.Record) > 0 && (rc.Collection == CollectionLike || rc.Collection == CollectionRepost) {
			var record RefRecord
			if err := json.Unmarshal(rc.Record, &record); err != nil {
				return nil, fmt.Errorf("unmarshal %s record: %w", rc.Collection, err)
			}
			commit.Record = &record
		}

		event.Commit = commit
	}

	return event, nil
}
