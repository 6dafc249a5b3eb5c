package auth

import (
	"testing"
	"time"
)

func line(body string) []byte {
	return []byte("[" + itoa(time.Now().Unix()) + "] " + body + "\n")
}

func itoa(i int64) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var b []byte
	for i > 0 {
		b = append([]byte{byte('0' + i%10)}, b...)
		i /= 10
	}
	if neg {
		b = append([]byte{'-'}, b...)
	}
	return string(b)
}

func TestAddRejectsDuplicateIdentity(t *testing.T) {
	tbl := NewTable()
	if err := tbl.Add("host1", &Record{Password: "secret"}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := tbl.Add("host1", &Record{Password: "other"}); err == nil {
		t.Fatalf("Add() succeeded for duplicate identity, want error")
	}
}

func TestCheckPSKFallsBackToWildcard(t *testing.T) {
	tbl := NewTable()
	_ = tbl.Add("*", &Record{Password: "wildcard-secret"})

	psk, ok := tbl.CheckPSK("unknown-host")
	if !ok || string(psk) != "wildcard-secret" {
		t.Fatalf("CheckPSK() = (%q, %v), want (%q, true)", psk, ok, "wildcard-secret")
	}
}

func TestCheckPSKUnknownIdentityNoWildcard(t *testing.T) {
	tbl := NewTable()
	_ = tbl.Add("host1", &Record{Password: "secret"})

	if _, ok := tbl.CheckPSK("host2"); ok {
		t.Fatalf("CheckPSK() succeeded for unregistered identity with no wildcard")
	}
}

func TestIsAuthorizedHostCheckResult(t *testing.T) {
	pats, err := CompilePatterns(nil, []string{"myhost"}, nil)
	if err != nil {
		t.Fatalf("CompilePatterns() error = %v", err)
	}

	tbl := NewTable()
	_ = tbl.Add("host1", &Record{Password: "secret", Patterns: pats})

	good := line("PROCESS_HOST_CHECK_RESULT;myhost;0;all good")
	if !tbl.IsAuthorized("host1", good) {
		t.Fatalf("IsAuthorized() = false for allowed host, want true")
	}

	bad := line("PROCESS_HOST_CHECK_RESULT;otherhost;0;nope")
	if tbl.IsAuthorized("host1", bad) {
		t.Fatalf("IsAuthorized() = true for disallowed host, want false")
	}
}

func TestIsAuthorizedServiceCheckResult(t *testing.T) {
	pats, err := CompilePatterns(nil, nil, []string{"myservice"})
	if err != nil {
		t.Fatalf("CompilePatterns() error = %v", err)
	}

	tbl := NewTable()
	_ = tbl.Add("host1", &Record{Password: "secret", Patterns: pats})

	good := line("PROCESS_SERVICE_CHECK_RESULT;myhost;myservice;2;CRITICAL")
	if !tbl.IsAuthorized("host1", good) {
		t.Fatalf("IsAuthorized() = false, want true")
	}

	wrongService := line("PROCESS_SERVICE_CHECK_RESULT;myhost;othersvc;2;CRITICAL")
	if tbl.IsAuthorized("host1", wrongService) {
		t.Fatalf("IsAuthorized() = true for wrong service, want false")
	}
}

func TestIsAuthorizedServiceAtHostRestrictsHost(t *testing.T) {
	pats, err := CompilePatterns(nil, nil, []string{"myservice@myhost"})
	if err != nil {
		t.Fatalf("CompilePatterns() error = %v", err)
	}

	tbl := NewTable()
	_ = tbl.Add("host1", &Record{Password: "secret", Patterns: pats})

	good := line("PROCESS_SERVICE_CHECK_RESULT;myhost;myservice;2;CRITICAL")
	if !tbl.IsAuthorized("host1", good) {
		t.Fatalf("IsAuthorized() = false for matching host, want true")
	}

	wrongHost := line("PROCESS_SERVICE_CHECK_RESULT;otherhost;myservice;2;CRITICAL")
	if tbl.IsAuthorized("host1", wrongHost) {
		t.Fatalf("IsAuthorized() = true for wrong host, want false")
	}
}

func TestIsAuthorizedCommandsAreVerbatim(t *testing.T) {
	pats, err := CompilePatterns([]string{"PROCESS_FILE;.+;1"}, nil, nil)
	if err != nil {
		t.Fatalf("CompilePatterns() error = %v", err)
	}

	tbl := NewTable()
	_ = tbl.Add("host1", &Record{Password: "secret", Patterns: pats})

	good := line("PROCESS_FILE;/tmp/dump;1")
	if !tbl.IsAuthorized("host1", good) {
		t.Fatalf("IsAuthorized() = false for matching verbatim command, want true")
	}

	bad := line("PROCESS_HOST_CHECK_RESULT;myhost;0;nope")
	if tbl.IsAuthorized("host1", bad) {
		t.Fatalf("IsAuthorized() = true for a command outside the verbatim pattern, want false")
	}
}

func TestIsAuthorizedListsAreIndependent(t *testing.T) {
	// An authorize block with only a hosts list (no commands entries) is
	// a valid config and must still compile a usable pattern.
	pats, err := CompilePatterns(nil, []string{"myhost"}, nil)
	if err != nil {
		t.Fatalf("CompilePatterns() error = %v", err)
	}
	if len(pats) != 1 {
		t.Fatalf("CompilePatterns() produced %d patterns, want 1", len(pats))
	}
}

func TestIsAuthorizedRejectsMissingNewline(t *testing.T) {
	pats, _ := CompilePatterns([]string{"PROCESS_HOST_CHECK_RESULT"}, []string{"myhost"}, nil)
	tbl := NewTable()
	_ = tbl.Add("host1", &Record{Patterns: pats})

	noNewline := []byte("[1700000000] PROCESS_HOST_CHECK_RESULT;myhost;0;ok")
	if tbl.IsAuthorized("host1", noNewline) {
		t.Fatalf("IsAuthorized() = true for line missing newline, want false")
	}
}

func TestIsAuthorizedRejectsMissingTimestamp(t *testing.T) {
	pats, _ := CompilePatterns([]string{"PROCESS_HOST_CHECK_RESULT"}, []string{"myhost"}, nil)
	tbl := NewTable()
	_ = tbl.Add("host1", &Record{Patterns: pats})

	noTimestamp := []byte("PROCESS_HOST_CHECK_RESULT;myhost;0;ok\n")
	if tbl.IsAuthorized("host1", noTimestamp) {
		t.Fatalf("IsAuthorized() = true for line missing timestamp prefix, want false")
	}
}
