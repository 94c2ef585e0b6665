package models

import (
	"crypto/ecdsa"
	"strings"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/laguz/geom"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/segmentio/encoding/json"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// AreaSnapshot is the state of the entities located in an area of a world at
// a given revision.
type AreaSnapshot struct {
	WorldUUID string                 `json:"world_uuid"`
	Revision  uint64                 `json:"revision"`
	Area      geom.Rect              `json:"area"`
	CreatedAt *timestamppb.Timestamp `json:"created_at"`
	Entities  []EntitySnapshot       `json:"entities"`
}

// Snapshot returns the state of the entities intersecting the given area.
func (w *World) Snapshot(area geom.Rect) AreaSnapshot {
	entities := w.QueryEntities(area)

	return AreaSnapshot{
		WorldUUID: w.WorldUUID,
		Revision:  w.Revision(),
		Area:      area,
		CreatedAt: timestamppb.Now(),
		Entities:  EntitiesToSnapshots(entities),
	}
}

// SnapshotSigner signs area snapshots with the server wallet so that clients
// can verify they were produced by this server.
type SnapshotSigner struct {
	privateKey    *ecdsa.PrivateKey
	walletAddress string
}

func NewSnapshotSigner(privateKey *ecdsa.PrivateKey) *SnapshotSigner {
	return &SnapshotSigner{
		privateKey:    privateKey,
		walletAddress: strings.ToLower(crypto.PubkeyToAddress(privateKey.PublicKey).Hex()),
	}
}

// WalletAddress returns the address of the wallet signing the snapshots.
func (s *SnapshotSigner) WalletAddress() string {
	return s.walletAddress
}

// Sign returns the hex encoded signature of the Keccak-256 hash of the JSON
// encoded snapshot.
func (s *SnapshotSigner) Sign(snapshot AreaSnapshot) (string, error) {
	hash, err := snapshotHash(snapshot)
	if err != nil {
		return "", err
	}

	signature, err := crypto.Sign(hash, s.privateKey)
	if err != nil {
		return "", errors.New("failed to sign snapshot").Wrap(err)
	}
	return hexutil.Encode(signature), nil
}

// VerifySnapshot reports whether signature was produced by the given wallet
// address for the snapshot.
func VerifySnapshot(snapshot AreaSnapshot, signature, walletAddress string) (bool, error) {
	hash, err := snapshotHash(snapshot)
	if err != nil {
		return false, err
	}

	sig, err := hexutil.Decode(signature)
	if err != nil {
		return false, errors.New("invalid signature encoding").Wrap(err)
	}

	publicKey, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return false, errors.New("recovering signature public key failed").Wrap(err)
	}

	address := crypto.PubkeyToAddress(*publicKey).Hex()
	return strings.EqualFold(address, walletAddress), nil
}

func snapshotHash(snapshot AreaSnapshot) ([]byte, error) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return nil, errors.New("failed to marshal snapshot").Wrap(err)
	}
	return crypto.Keccak256Hash(data).Bytes(), nil
}
