package source

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mosbiic/pulse/internal/storage"
)

const defaultTrelloBaseURL = "https://api.trello.com/1"

// Trello pulls cards from one board and maps them to task activities.
// Credentials: api_key, token. Settings: board (optional, defaults to the
// account's first board), base_url.
type Trello struct {
	fetcher *Fetcher
	ttls    TTLs
}

// NewTrello creates the task-board adapter.
func NewTrello(f *Fetcher, ttls TTLs) *Trello {
	return &Trello{fetcher: f, ttls: ttls}
}

func (t *Trello) Kind() Kind { return KindTrello }

type trelloBoard struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	URL              string `json:"url"`
	DateLastActivity string `json:"dateLastActivity"`
}

type trelloList struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type trelloLabel struct {
	Name string `json:"name"`
}

type trelloCard struct {
	ID               string        `json:"id"`
	Name             string        `json:"name"`
	Desc             string        `json:"desc"`
	Due              string        `json:"due"`
	DueComplete      bool          `json:"dueComplete"`
	DateLastActivity string        `json:"dateLastActivity"`
	IDList           string        `json:"idList"`
	Labels           []trelloLabel `json:"labels"`
	URL              string        `json:"url"`
}

// trelloEnvelope is the intermediate shape fed to Normalize: the card plus
// the resolved list and board names the card payload only references by id.
type trelloEnvelope struct {
	Card     trelloCard `json:"card"`
	ListName string     `json:"list_name"`
	Board    string     `json:"board"`
}

func (t *Trello) FetchSince(ctx context.Context, cfg Config, since time.Time, limit int, emit EmitFunc) error {
	base := cfg.Setting("base_url", defaultTrelloBaseURL)
	auth := map[string]string{
		"key":   cfg.Credentials["api_key"],
		"token": cfg.Credentials["token"],
	}

	boardID := cfg.Setting("board", "")
	var boards []trelloBoard
	{
		params := map[string]string{"fields": "name,url,dateLastActivity"}
		for k, v := range auth {
			params[k] = v
		}
		if err := t.fetcher.getJSON(ctx, request{
			kind: KindTrello, endpointClass: "boards",
			url: base + "/members/me/boards", params: params, ttl: t.ttls.Listing,
		}, &boards); err != nil {
			return err
		}
	}
	if boardID == "" {
		if len(boards) == 0 {
			return &UnavailableError{Kind: KindTrello, Err: fmt.Errorf("no boards available")}
		}
		boardID = boards[0].ID
	}
	boardName := boardID
	for _, b := range boards {
		if b.ID == boardID {
			boardName = b.Name
			break
		}
	}

	var lists []trelloList
	{
		params := map[string]string{}
		for k, v := range auth {
			params[k] = v
		}
		if err := t.fetcher.getJSON(ctx, request{
			kind: KindTrello, endpointClass: "lists",
			url: base + "/boards/" + boardID + "/lists", params: params, ttl: t.ttls.Listing,
		}, &lists); err != nil {
			return err
		}
	}
	listNames := make(map[string]string, len(lists))
	for _, l := range lists {
		listNames[l.ID] = l.Name
	}

	var cards []trelloCard
	{
		params := map[string]string{"fields": "name,desc,due,dueComplete,dateLastActivity,labels,url,idList"}
		for k, v := range auth {
			params[k] = v
		}
		if !since.IsZero() {
			params["since"] = since.UTC().Format(time.RFC3339)
		}
		if err := t.fetcher.getJSON(ctx, request{
			kind: KindTrello, endpointClass: "cards",
			url: base + "/boards/" + boardID + "/cards", params: params, ttl: t.ttls.Recent,
		}, &cards); err != nil {
			return err
		}
	}

	emitted := 0
	for _, card := range cards {
		if limit > 0 && emitted >= limit {
			return nil
		}
		occurred, err := time.Parse(time.RFC3339, card.DateLastActivity)
		if err != nil {
			// Leave it to Normalize to report the malformed timestamp.
			occurred = time.Time{}
		}
		if !since.IsZero() && !occurred.IsZero() && occurred.Before(since) {
			continue
		}
		obj, err := wrapNative(card.ID, occurred, trelloEnvelope{
			Card:     card,
			ListName: listNames[card.IDList],
			Board:    boardName,
		})
		if err != nil {
			return err
		}
		if err := emit(obj); err != nil {
			return err
		}
		emitted++
	}
	return nil
}

// cardCreatedAt recovers a card's creation time from its object id: the
// first 8 hex characters are the unix timestamp of creation.
func cardCreatedAt(id string) (time.Time, bool) {
	if len(id) < 8 {
		return time.Time{}, false
	}
	secs, err := strconv.ParseInt(id[:8], 16, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(secs, 0).UTC(), true
}

// isCardCreation reports whether a card's last activity is its creation:
// nothing has happened since the card was made, so the event is the card
// appearing on the board.
func isCardCreation(id string, lastActivity time.Time) bool {
	created, ok := cardCreatedAt(id)
	if !ok {
		return false
	}
	diff := lastActivity.Sub(created)
	return diff >= 0 && diff < time.Minute
}

func (t *Trello) Normalize(obj NativeObject) (storage.Activity, error) {
	var env trelloEnvelope
	if err := json.Unmarshal(obj.Raw, &env); err != nil {
		return storage.Activity{}, fmt.Errorf("parsing trello card %s: %w", obj.ID, err)
	}
	card := env.Card
	if card.ID == "" || card.Name == "" {
		return storage.Activity{}, fmt.Errorf("trello card %s missing required fields", obj.ID)
	}
	occurred, err := time.Parse(time.RFC3339, card.DateLastActivity)
	if err != nil {
		return storage.Activity{}, fmt.Errorf("trello card %s has invalid dateLastActivity %q", obj.ID, card.DateLastActivity)
	}

	kind := ActivityTaskUpdate
	switch {
	case card.DueComplete:
		kind = ActivityTaskComplete
	case isCardCreation(card.ID, occurred):
		kind = ActivityTaskCreate
	}

	labels := make([]string, 0, len(card.Labels))
	for _, l := range card.Labels {
		if l.Name != "" {
			labels = append(labels, l.Name)
		}
	}

	metadata := map[string]string{
		"board": env.Board,
		"list":  env.ListName,
	}
	if len(labels) > 0 {
		metadata["labels"] = strings.Join(labels, ",")
	}
	if card.Due != "" {
		metadata["due"] = card.Due
	}
	metadata["completed"] = fmt.Sprintf("%t", card.DueComplete)

	return storage.Activity{
		SourceKind:     string(KindTrello),
		SourceNativeID: card.ID,
		ActivityKind:   kind,
		Title:          card.Name,
		Description:    card.Desc,
		URL:            card.URL,
		Metadata:       metadata,
		OccurredAt:     occurred.UTC(),
		IngestedAt:     time.Now().UTC(),
	}, nil
}
