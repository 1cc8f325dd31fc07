package persistence

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// AuditAction names an administrative or compliance action worth an
// audit trail entry.
type AuditAction string

const (
	AuditReviewApproved    AuditAction = "review_approved"
	AuditReviewRejected    AuditAction = "review_rejected"
	AuditParticipantStatus AuditAction = "participant_status_changed"
	AuditAccountOpened     AuditAction = "account_opened"
)

// auditGenesis anchors the audit hash chain.
const auditGenesis = "AtomicSettle:audit:genesis:v1"

// AuditLog appends hash-chained, coordinator-signed entries to the
// audit_log table. Each entry's hash covers the previous hash, the
// sequence, and the payload, so tampering with any row breaks every
// row after it.
type AuditLog struct {
	db      *sql.DB
	signKey ed25519.PrivateKey
}

// NewAuditLog wraps the database handle. signKey may be nil in dev;
// entries are then chained but unsigned.
func NewAuditLog(db *sql.DB, signKey ed25519.PrivateKey) *AuditLog {
	return &AuditLog{db: db, signKey: signKey}
}

// Record appends one audit entry. detail must be JSON-encodable.
func (a *AuditLog) Record(ctx context.Context, action AuditAction, actor, subject string, detail any) error {
	payload, err := json.Marshal(map[string]any{
		"action":  string(action),
		"actor":   actor,
		"subject": subject,
		"detail":  detail,
	})
	if err != nil {
		return fmt.Errorf("encode audit payload: %w", err)
	}

	tx, err := a.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var (
		seq    int64
		tipHex sql.NullString
	)
	err = tx.QueryRowContext(ctx,
		`SELECT sequence, hash FROM audit_log ORDER BY sequence DESC LIMIT 1 FOR UPDATE`,
	).Scan(&seq, &tipHex)
	prev := sha256.Sum256([]byte(auditGenesis))
	tip := prev[:]
	switch {
	case err == sql.ErrNoRows:
		seq = 0
	case err != nil:
		return fmt.Errorf("read audit tip: %w", err)
	default:
		if tip, err = hex.DecodeString(tipHex.String); err != nil {
			return fmt.Errorf("malformed audit tip: %w", err)
		}
	}

	seq++
	hash := auditHash(tip, seq, payload)
	var sig []byte
	if a.signKey != nil {
		sig = ed25519.Sign(a.signKey, hash)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO audit_log (sequence, action, actor, subject, payload, prev_hash, hash, signature, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, seq, string(action), actor, subject, payload,
		hex.EncodeToString(tip), hex.EncodeToString(hash), sig, time.Now().UTC()); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return tx.Commit()
}

// Verify walks the chain and checks every hash and signature.
func (a *AuditLog) Verify(ctx context.Context, pub ed25519.PublicKey) error {
	rows, err := a.db.QueryContext(ctx, `
		SELECT sequence, payload, prev_hash, hash, signature
		FROM audit_log ORDER BY sequence ASC
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	prev := sha256.Sum256([]byte(auditGenesis))
	tip := prev[:]
	for rows.Next() {
		var (
			seq              int64
			payload          []byte
			prevHex, hashHex string
			sig              []byte
		)
		if err := rows.Scan(&seq, &payload, &prevHex, &hashHex, &sig); err != nil {
			return err
		}
		if prevHex != hex.EncodeToString(tip) {
			return fmt.Errorf("audit chain break at sequence %d", seq)
		}
		want := auditHash(tip, seq, payload)
		if hashHex != hex.EncodeToString(want) {
			return fmt.Errorf("audit hash mismatch at sequence %d", seq)
		}
		if pub != nil && len(sig) > 0 && !ed25519.Verify(pub, want, sig) {
			return fmt.Errorf("audit signature invalid at sequence %d", seq)
		}
		tip = want
	}
	return rows.Err()
}

func auditHash(prev []byte, sequence int64, payload []byte) []byte {
	h := sha256.New()
	h.Write(prev)
	var seqBytes [8]byte
	for i := 0; i < 8; i++ {
		seqBytes[i] = byte(sequence >> (8 * i))
	}
	h.Write(seqBytes[:])
	h.Write(payload)
	return h.Sum(nil)
}
