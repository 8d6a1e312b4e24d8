package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/J511Y/share-paint-sub000/internal/battle"
)

// BattleDetail mirrors the room detail endpoint's response.
type BattleDetail struct {
	Room         battle.Room          `json:"room"`
	Participants []battle.Participant `json:"participants"`
	ServerSeq    uint64               `json:"serverSeq"`
	TimeLeft     int                  `json:"timeLeft"`
	Winner       string               `json:"winner,omitempty"`
}

// DetailClient fetches initial room state over HTTP before the websocket
// joins.
type DetailClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

// GetBattle loads one battle's detail.
func (c *DetailClient) GetBattle(ctx context.Context, battleID string) (*BattleDetail, error) {
	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/api/battles/"+battleID, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch battle detail: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("battle detail returned %d", resp.StatusCode)
	}

	var detail BattleDetail
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
		return nil, fmt.Errorf("decode battle detail: %w", err)
	}
	return &detail, nil
}

// Load seeds the controller's view from the detail endpoint. Called once
// before Connect.
func (b *Battle) Load(ctx context.Context, details *DetailClient) error {
	detail, err := details.GetBattle(ctx, b.battleID)
	if err != nil {
		b.store.SetError(err.Error())
		return err
	}

	b.mu.Lock()
	b.view.Status = detail.Room.Status
	b.view.Topic = detail.Room.Topic
	b.view.TimeLeft = detail.TimeLeft
	b.view.Winner = detail.Winner
	for _, p := range detail.Participants {
		b.view.Participants[p.UserID] = p
	}
	b.mu.Unlock()

	b.store.MergeServerSeq(detail.ServerSeq)
	b.changed()
	return nil
}
