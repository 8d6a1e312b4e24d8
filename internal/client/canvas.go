package client

import (
	"context"

	"github.com/J511Y/share-paint-sub000/internal/protocol"
)

// CanvasSync builds and sends canvas-update operations for the local
// participant. Updates ride the same enqueue → ack-with-retry path as
// every other op, so a drop mid-send is replayed on resume.
type CanvasSync struct {
	battle *Battle
}

// NewCanvasSync creates the canvas sync for a battle controller.
func NewCanvasSync(b *Battle) *CanvasSync {
	return &CanvasSync{battle: b}
}

// Push sends the local canvas snapshot, ack-confirmed.
func (c *CanvasSync) Push(ctx context.Context, imageData string) error {
	_, err := c.battle.do(ctx, protocol.EventCanvasUpdate, protocol.CanvasUpdatePayload{
		UserID:    c.battle.userID,
		ImageData: imageData,
	})
	return err
}

// Local returns the last canvas applied for the local participant, which
// after a resume is the server-authoritative snapshot.
func (c *CanvasSync) Local() string {
	view := c.battle.Snapshot()
	return view.Participants[c.battle.userID].CanvasData
}
