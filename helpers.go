package plexus

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/outofforest/plexus/wire"
)

func newPeerID() wire.PeerID {
	return wire.PeerID(uuid.New())
}

func peerString(peerID wire.PeerID) string {
	return uuid.UUID(peerID).String()
}

func peerField(key string, peerID wire.PeerID) zap.Field {
	return zap.String(key, peerString(peerID))
}
