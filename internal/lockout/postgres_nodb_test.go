package lockout

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

/************ fake pgx ************/
type fakeRow struct{ scan func(dest ...any) error }

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

type fakePool struct {
	qrErr      error
	qrFails    int
	qrUntil    *time.Time
	qrFailsRet int

	lastExecSQL  string
	lastExecArgs []any
	execErr      error
	execRows     int64
}

func (f *fakePool) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.lastExecSQL = sql
	f.lastExecArgs = args
	if f.execErr != nil {
		return pgconn.CommandTag{}, f.execErr
	}
	return pgconn.NewCommandTag("UPDATE " + strconv.FormatInt(f.execRows, 10)), nil
}

func (f *fakePool) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	switch {
	case strings.Contains(sql, "SELECT failed_attempts, lockout_until"):
		return fakeRow{scan: func(dest ...any) error {
			if f.qrErr != nil {
				return f.qrErr
			}
			*(dest[0].(*int)) = f.qrFails
			*(dest[1].(**time.Time)) = f.qrUntil
			return nil
		}}
	case strings.Contains(sql, "RETURNING failed_attempts"):
		return fakeRow{scan: func(dest ...any) error {
			if f.qrErr != nil {
				return f.qrErr
			}
			*(dest[0].(*int)) = f.qrFailsRet
			return nil
		}}
	default:
		return fakeRow{scan: func(...any) error { return errors.New("unexpected query") }}
	}
}

func TestPG_Get_NoRow_ZeroRecord(t *testing.T) {
	s := NewPGWithQuerier(&fakePool{qrErr: pgx.ErrNoRows})

	rec, err := s.Get(context.Background(), "+100")
	if err != nil || rec.FailedAttempts != 0 || rec.LockoutUntil != nil || rec.AccountKey != "+100" {
		t.Fatalf("Get no-row: rec=%+v err=%v", rec, err)
	}
}

func TestPG_Get_Locked(t *testing.T) {
	until := time.Now().Add(time.Minute)
	s := NewPGWithQuerier(&fakePool{qrFails: 3, qrUntil: &until})

	rec, err := s.Get(context.Background(), "+100")
	if err != nil || rec.FailedAttempts != 3 || rec.LockoutUntil == nil || !rec.LockoutUntil.Equal(until) {
		t.Fatalf("Get locked: rec=%+v err=%v", rec, err)
	}
}

func TestPG_Get_DBError_Propagates(t *testing.T) {
	s := NewPGWithQuerier(&fakePool{qrErr: errors.New("db boom")})

	if _, err := s.Get(context.Background(), "+100"); err == nil {
		t.Fatalf("want error propagate")
	}
}

func TestPG_ClearExpired_ReportsRowsAffected(t *testing.T) {
	fp := &fakePool{execRows: 1}
	s := NewPGWithQuerier(fp)
	now := time.Now()

	ok, err := s.ClearExpired(context.Background(), "+100", now)
	if err != nil || !ok {
		t.Fatalf("ClearExpired: ok=%v err=%v", ok, err)
	}
	if !strings.Contains(fp.lastExecSQL, "lockout_until <= $2") || fp.lastExecArgs[1] != now {
		t.Fatalf("unexpected exec: %s %v", fp.lastExecSQL, fp.lastExecArgs)
	}

	fp.execRows = 0
	ok, err = s.ClearExpired(context.Background(), "+100", now)
	if err != nil || ok {
		t.Fatalf("ClearExpired second: ok=%v err=%v", ok, err)
	}
}

func TestPG_Fail_ReturnsCounter(t *testing.T) {
	s := NewPGWithQuerier(&fakePool{qrFailsRet: 2})

	n, err := s.Fail(context.Background(), "+100")
	if err != nil || n != 2 {
		t.Fatalf("Fail: n=%d err=%v", n, err)
	}
}

func TestPG_Fail_DBErrorOnReturning(t *testing.T) {
	s := NewPGWithQuerier(&fakePool{qrErr: errors.New("query error")})

	if _, err := s.Fail(context.Background(), "+100"); err == nil {
		t.Fatalf("want error from returning failed_attempts")
	}
}

func TestPG_LockAndReset(t *testing.T) {
	fp := &fakePool{}
	s := NewPGWithQuerier(fp)

	if err := s.Lock(context.Background(), "+100", time.Now()); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if !strings.Contains(fp.lastExecSQL, "DO UPDATE SET lockout_until=$2") {
		t.Fatalf("unexpected exec: %s", fp.lastExecSQL)
	}

	if err := s.Reset(context.Background(), "+100"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if !strings.Contains(fp.lastExecSQL, "INSERT INTO account_lockout") {
		t.Fatalf("unexpected exec: %s", fp.lastExecSQL)
	}

	fp.execErr = errors.New("exec fail")
	if err := s.Reset(context.Background(), "+100"); err == nil {
		t.Fatalf("want exec error")
	}
}
