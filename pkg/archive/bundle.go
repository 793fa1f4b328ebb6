// Package archive seals a chain into a self-contained bundle that an
// auditor can verify offline, optionally signed with Ed25519.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Antoniskp/apofasifast/pkg/artifacts"
	"github.com/Antoniskp/apofasifast/pkg/canonicalize"
	"github.com/Antoniskp/apofasifast/pkg/chain"
	"github.com/Antoniskp/apofasifast/pkg/crypto"
	"github.com/Antoniskp/apofasifast/pkg/merkle"
)

// Version identifies the bundle layout.
const Version = "apofasi.bundle/v1"

var (
	// ErrNotFromGenesis rejects exports that do not start at the first record.
	ErrNotFromGenesis = errors.New("bundle must start at the genesis record")
	// ErrTampered means the bundle no longer matches its own seal.
	ErrTampered = errors.New("bundle seal mismatch")
	// ErrBadSignature means the signature does not verify.
	ErrBadSignature = errors.New("bundle signature invalid")
	// ErrUnsigned is returned when a signature is required but absent.
	ErrUnsigned = errors.New("bundle is not signed")
)

// Bundle is a sealed copy of a whole chain.
type Bundle struct {
	BundleID    string         `json:"bundle_id"`
	Version     string         `json:"version"`
	ChainID     string         `json:"chain_id"`
	CreatedAt   time.Time      `json:"created_at"`
	StartSeq    uint64         `json:"start_seq"`
	EndSeq      uint64         `json:"end_seq"`
	EntryCount  int            `json:"entry_count"`
	ChainHead   string         `json:"chain_head"`
	Records     []chain.Record `json:"records"`
	RecordsHash string         `json:"records_hash"`
	MerkleRoot  string         `json:"merkle_root"`
	BundleHash  string         `json:"bundle_hash"`

	SignatureKeyID string `json:"signature_key_id,omitempty"`
	PublicKey      string `json:"public_key,omitempty"`
	Signature      string `json:"signature,omitempty"`
}

// seal is the part of a bundle covered by BundleHash.
type seal struct {
	BundleID    string    `json:"bundle_id"`
	Version     string    `json:"version"`
	ChainID     string    `json:"chain_id"`
	CreatedAt   time.Time `json:"created_at"`
	StartSeq    uint64    `json:"start_seq"`
	EndSeq      uint64    `json:"end_seq"`
	EntryCount  int       `json:"entry_count"`
	ChainHead   string    `json:"chain_head"`
	RecordsHash string    `json:"records_hash"`
	MerkleRoot  string    `json:"merkle_root"`
}

func (b *Bundle) seal() seal {
	return seal{
		BundleID:    b.BundleID,
		Version:     b.Version,
		ChainID:     b.ChainID,
		CreatedAt:   b.CreatedAt,
		StartSeq:    b.StartSeq,
		EndSeq:      b.EndSeq,
		EntryCount:  b.EntryCount,
		ChainHead:   b.ChainHead,
		RecordsHash: b.RecordsHash,
		MerkleRoot:  b.MerkleRoot,
	}
}

func recordTree(records []chain.Record) (*merkle.Tree, error) {
	hashes := make([]string, len(records))
	for i, r := range records {
		hashes[i] = r.Hash
	}
	return merkle.Build(hashes)
}

func recordsHash(records []chain.Record) (string, error) {
	if records == nil {
		records = []chain.Record{}
	}
	return canonicalize.CanonicalHash(records)
}

// ExportOption configures Export.
type ExportOption func(*exportConfig)

type exportConfig struct {
	signer crypto.Signer
	keyID  string
	now    func() time.Time
}

// WithSigner signs the bundle hash.
func WithSigner(s crypto.Signer, keyID string) ExportOption {
	return func(c *exportConfig) {
		c.signer = s
		c.keyID = keyID
	}
}

// WithExportClock overrides the bundle timestamp source.
func WithExportClock(now func() time.Time) ExportOption {
	return func(c *exportConfig) { c.now = now }
}

// Export seals records, which must be a whole chain in order.
func Export(chainID string, records []chain.Record, opts ...ExportOption) (*Bundle, error) {
	cfg := exportConfig{now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(&cfg)
	}

	if len(records) > 0 && !records[0].IsGenesis() {
		return nil, fmt.Errorf("%w: first record %s links to %s", ErrNotFromGenesis, records[0].ID, records[0].PrevHash)
	}

	b := &Bundle{
		BundleID:   uuid.NewString(),
		Version:    Version,
		ChainID:    chainID,
		CreatedAt:  cfg.now(),
		EntryCount: len(records),
		Records:    append([]chain.Record{}, records...),
	}
	if len(records) > 0 {
		b.StartSeq = records[0].Seq
		b.EndSeq = records[len(records)-1].Seq
		b.ChainHead = records[len(records)-1].Hash
	}

	var err error
	if b.RecordsHash, err = recordsHash(b.Records); err != nil {
		return nil, fmt.Errorf("hash bundle records: %w", err)
	}
	tree, err := recordTree(b.Records)
	if err != nil {
		return nil, fmt.Errorf("build record tree: %w", err)
	}
	b.MerkleRoot = tree.Root
	if b.BundleHash, err = canonicalize.CanonicalHash(b.seal()); err != nil {
		return nil, fmt.Errorf("hash bundle: %w", err)
	}

	if cfg.signer != nil {
		sig, err := cfg.signer.Sign([]byte(b.BundleHash))
		if err != nil {
			return nil, fmt.Errorf("sign bundle: %w", err)
		}
		b.Signature = sig
		b.PublicKey = cfg.signer.PublicKey()
		b.SignatureKeyID = cfg.keyID
	}
	return b, nil
}

// Verification is the outcome of VerifyBundle.
type Verification struct {
	BundleID   string       `json:"bundle_id"`
	ChainID    string       `json:"chain_id"`
	EntryCount int          `json:"entry_count"`
	ChainHead  string       `json:"chain_head"`
	Signed     bool         `json:"signed"`
	KeyID      string       `json:"key_id,omitempty"`
	Result     chain.Result `json:"result"`
}

// VerifyOption configures VerifyBundle.
type VerifyOption func(*verifyConfig)

type verifyConfig struct {
	requireSignature bool
	trustedKey       string
}

// RequireSignature fails unsigned bundles.
func RequireSignature() VerifyOption {
	return func(c *verifyConfig) { c.requireSignature = true }
}

// WithTrustedKey requires the bundle to be signed by pubKeyHex.
func WithTrustedKey(pubKeyHex string) VerifyOption {
	return func(c *verifyConfig) {
		c.requireSignature = true
		c.trustedKey = pubKeyHex
	}
}

// VerifyBundle checks the seal, the signature if any, and then the chain
// itself. A broken chain inside an intact seal is reported in the result,
// not as an error.
func VerifyBundle(b *Bundle, opts ...VerifyOption) (Verification, error) {
	var cfg verifyConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	v := Verification{
		BundleID:   b.BundleID,
		ChainID:    b.ChainID,
		EntryCount: len(b.Records),
		ChainHead:  b.ChainHead,
		Signed:     b.Signature != "",
		KeyID:      b.SignatureKeyID,
	}

	if b.Version != Version {
		return v, fmt.Errorf("unsupported bundle version %q", b.Version)
	}
	rh, err := recordsHash(b.Records)
	if err != nil {
		return v, fmt.Errorf("%w: hash bundle records: %w", chain.ErrMalformedInput, err)
	}
	if rh != b.RecordsHash {
		return v, fmt.Errorf("%w: records hash is %s, bundle says %s", ErrTampered, rh, b.RecordsHash)
	}
	tree, err := recordTree(b.Records)
	if err != nil {
		return v, fmt.Errorf("%w: %w", ErrTampered, err)
	}
	if tree.Root != b.MerkleRoot {
		return v, fmt.Errorf("%w: merkle root is %s, bundle says %s", ErrTampered, tree.Root, b.MerkleRoot)
	}
	bh, err := canonicalize.CanonicalHash(b.seal())
	if err != nil {
		return v, fmt.Errorf("hash bundle: %w", err)
	}
	if bh != b.BundleHash {
		return v, fmt.Errorf("%w: bundle hash is %s, bundle says %s", ErrTampered, bh, b.BundleHash)
	}
	if err := checkHeader(b); err != nil {
		return v, err
	}

	switch {
	case b.Signature != "":
		if cfg.trustedKey != "" && b.PublicKey != cfg.trustedKey {
			return v, fmt.Errorf("%w: signed by untrusted key %s", ErrBadSignature, b.PublicKey)
		}
		verifier, err := crypto.NewEd25519VerifierFromHex(b.PublicKey)
		if err != nil {
			return v, fmt.Errorf("%w: %w", ErrBadSignature, err)
		}
		ok, err := verifier.VerifyHex([]byte(b.BundleHash), b.Signature)
		if err != nil {
			return v, fmt.Errorf("%w: %w", ErrBadSignature, err)
		}
		if !ok {
			return v, ErrBadSignature
		}
	case cfg.requireSignature:
		return v, ErrUnsigned
	}

	if len(b.Records) > 0 && !b.Records[0].IsGenesis() {
		return v, ErrNotFromGenesis
	}
	res, err := chain.Verify(b.Records, chain.WithSequenceCheck())
	if err != nil {
		return v, err
	}
	v.Result = res
	return v, nil
}

// ProveRecord returns a proof that the record with seq belongs to the bundle.
// The proof checks against MerkleRoot alone, so an auditor holding a signed
// bundle header can confirm one record without the others.
func ProveRecord(b *Bundle, seq uint64) (chain.Record, merkle.InclusionProof, error) {
	for i, r := range b.Records {
		if r.Seq != seq {
			continue
		}
		tree, err := recordTree(b.Records)
		if err != nil {
			return chain.Record{}, merkle.InclusionProof{}, fmt.Errorf("build record tree: %w", err)
		}
		proof, err := tree.Proof(i)
		if err != nil {
			return chain.Record{}, merkle.InclusionProof{}, err
		}
		return r, proof, nil
	}
	return chain.Record{}, merkle.InclusionProof{}, fmt.Errorf("seq %d is not in bundle %s", seq, b.BundleID)
}

// VerifyRecordProof checks that rec is the leaf proven by proof under root.
// An empty root never verifies.
func VerifyRecordProof(rec chain.Record, proof merkle.InclusionProof, root string) bool {
	if root == "" {
		return false
	}
	leaf, err := merkle.LeafHash(rec.Hash)
	if err != nil || leaf != proof.LeafHash {
		return false
	}
	return merkle.VerifyInclusionProof(proof, root)
}

func checkHeader(b *Bundle) error {
	if b.EntryCount != len(b.Records) {
		return fmt.Errorf("%w: entry_count %d but %d records", ErrTampered, b.EntryCount, len(b.Records))
	}
	tail, ok := chain.Tail(b.Records)
	if !ok {
		if b.ChainHead != "" || b.StartSeq != 0 || b.EndSeq != 0 {
			return fmt.Errorf("%w: empty bundle with a head", ErrTampered)
		}
		return nil
	}
	if b.ChainHead != tail.Hash {
		return fmt.Errorf("%w: chain_head %s but last record hash %s", ErrTampered, b.ChainHead, tail.Hash)
	}
	if b.StartSeq != b.Records[0].Seq || b.EndSeq != tail.Seq {
		return fmt.Errorf("%w: seq range %d..%d does not match records", ErrTampered, b.StartSeq, b.EndSeq)
	}
	return nil
}

// Marshal encodes b canonically, so equal bundles produce equal bytes.
func Marshal(b *Bundle) ([]byte, error) {
	return canonicalize.JCS(b)
}

// Unmarshal decodes a bundle, rejecting unknown fields.
func Unmarshal(data []byte) (*Bundle, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var b Bundle
	if err := dec.Decode(&b); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	return &b, nil
}

// Save stores b in st and returns its content reference.
func Save(ctx context.Context, st artifacts.Store, b *Bundle) (string, error) {
	data, err := Marshal(b)
	if err != nil {
		return "", fmt.Errorf("encode bundle: %w", err)
	}
	ref, err := st.Store(ctx, data)
	if err != nil {
		return "", fmt.Errorf("store bundle: %w", err)
	}
	return ref, nil
}

// Load fetches and decodes the bundle stored under ref.
func Load(ctx context.Context, st artifacts.Store, ref string) (*Bundle, error) {
	data, err := st.Get(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("load bundle: %w", err)
	}
	return Unmarshal(data)
}
