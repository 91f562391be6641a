package purge

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestParseLookback(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"5d", 5 * 24 * time.Hour, false},
		{"2h", 2 * time.Hour, false},
		{"10m", 10 * time.Minute, false},
		{"3months", 3 * 30 * 24 * time.Hour, false},
		{"1mo", 30 * 24 * time.Hour, false},
		{"not-a-duration", 0, true},
		{"", 0, true},
		{"5", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseLookback(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseLookback(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Fatalf("parseLookback(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseTimeRange_DateOnly(t *testing.T) {
	start, end, err := parseTimeRange("2026-01-01 to 2026-02-01")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if start.Format("2006-01-02") != "2026-01-01" || end.Format("2006-01-02") != "2026-02-01" {
		t.Fatalf("got start=%v end=%v", start, end)
	}
}

func TestParseTimeRange_WithTime(t *testing.T) {
	start, end, err := parseTimeRange("2026-01-01-08:00:00 to 2026-01-01-20:00:00")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if start.Hour() != 8 || end.Hour() != 20 {
		t.Fatalf("got start=%v end=%v", start, end)
	}
}

func TestParseTimeRange_StartAfterEndRejected(t *testing.T) {
	_, _, err := parseTimeRange("2026-02-01 to 2026-01-01")
	if err == nil {
		t.Fatal("expected error when start is after end")
	}
}

func TestParseTimeRange_Unparsable(t *testing.T) {
	_, _, err := parseTimeRange("not a range")
	if err == nil {
		t.Fatal("expected error for unparsable time range")
	}
}

// Scenario 8 (spec §8): purge ID list cap, 1001 ids rejected.
func TestPurgeByIDs_RejectsOver1000(t *testing.T) {
	ids := make([]string, 1001)
	for i := range ids {
		ids[i] = "11111111-1111-1111-1111-111111111111"
	}
	body := `{"logIds":["` + strings.Join(ids, `","`) + `"]}`

	r := httptest.NewRequest(http.MethodDelete, "/api/v1/logs/proj-1", strings.NewReader(body))
	r.ContentLength = int64(len(body))
	w := httptest.NewRecorder()

	h := &Handler{Logger: noopLogger{}}
	h.purgeByIDs(w, r, uuid.MustParse("22222222-2222-2222-2222-222222222222"))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for 1001 ids, body=%s", w.Code, w.Body.String())
	}
}

func TestPurgeByFilter_MutuallyExclusiveSelectors(t *testing.T) {
	r := httptest.NewRequest(http.MethodDelete, "/api/v1/logs/proj-1?lookbackTime=5d&timeRange=2026-01-01+to+2026-02-01", nil)
	w := httptest.NewRecorder()

	h := &Handler{Logger: noopLogger{}}
	h.purgeByFilter(w, r, uuid.MustParse("22222222-2222-2222-2222-222222222222"))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 when both selectors are present", w.Code)
	}
}

func TestPurgeByFilter_RequiresOneSelector(t *testing.T) {
	r := httptest.NewRequest(http.MethodDelete, "/api/v1/logs/proj-1", nil)
	w := httptest.NewRecorder()

	h := &Handler{Logger: noopLogger{}}
	h.purgeByFilter(w, r, uuid.MustParse("22222222-2222-2222-2222-222222222222"))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 when neither selector is present", w.Code)
	}
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any) {}
