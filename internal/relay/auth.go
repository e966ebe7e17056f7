package relay

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

// Validator checks an authenticate token and returns the identity behind it.
type Validator interface {
	Validate(ctx context.Context, token string) (identity string, ok bool, err error)
}

// StaticValidator accepts tokens matching one of its bcrypt hashes.
type StaticValidator struct {
	// identity -> bcrypt hash of the token
	hashes map[string][]byte
}

func NewStaticValidator(hashes map[string]string) *StaticValidator {
	v := &StaticValidator{hashes: make(map[string][]byte, len(hashes))}
	for id, h := range hashes {
		v.hashes[id] = []byte(h)
	}
	return v
}

func HashToken(token string, cost int) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(token), cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (v *StaticValidator) Validate(ctx context.Context, token string) (string, bool, error) {
	if token == "" {
		return "", false, nil
	}
	for id, h := range v.hashes {
		if bcrypt.CompareHashAndPassword(h, []byte(token)) == nil {
			return id, true, nil
		}
	}
	return "", false, nil
}

// PgValidator looks the token up in the websocket_session table, joined
// with an unexpired session.
type PgValidator struct {
	db *pgxpool.Pool
}

func NewPgValidator(db *pgxpool.Pool) *PgValidator {
	return &PgValidator{db: db}
}

func (v *PgValidator) Validate(ctx context.Context, token string) (string, bool, error) {
	var session_id string
	row := v.db.QueryRow(ctx, `SELECT session.session_id
	FROM websocket_session INNER JOIN session ON websocket_session.session_id = session.session_id
	WHERE websocket_session.ws_token = $1
	AND session.valid_until > NOW()`, token)
	err := row.Scan(&session_id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return session_id, true, nil
}
