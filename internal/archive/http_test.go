package archive

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowsentry/pkg/models"
)

func TestHTTPWriterPostsJSONEachRow(t *testing.T) {
	var query, user string
	var rows []map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query().Get("query")
		user = r.Header.Get("X-ClickHouse-User")
		sc := bufio.NewScanner(r.Body)
		for sc.Scan() {
			var row map[string]interface{}
			require.NoError(t, json.Unmarshal(sc.Bytes(), &row))
			rows = append(rows, row)
		}
	}))
	defer srv.Close()

	w, err := NewHTTPWriter(HTTPConfig{URL: srv.URL + "/", Database: "ids", Username: "writer"})
	require.NoError(t, err)

	cycle := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	flows := []models.FlowRecord{
		{FlowKey: models.FlowKey{SrcIP: "10.0.0.5", DstIP: "93.184.216.34", SrcPort: 51000, DstPort: 443, Protocol: 6}, Packets: 4, Bytes: 1200, TimesSeen: 1},
		{FlowKey: models.FlowKey{SrcIP: "10.0.0.6", DstIP: "8.8.8.8", SrcPort: 40000, DstPort: 53, Protocol: 17}, Packets: 1, Bytes: 70, TimesSeen: 1},
	}
	require.NoError(t, w.WriteBatch(context.Background(), cycle, flows))

	assert.Equal(t, "INSERT INTO `ids`.`flow_batches` FORMAT JSONEachRow", query)
	assert.Equal(t, "writer", user)
	require.Len(t, rows, 2)
	assert.Equal(t, "2026-03-01 12:00:00.000", rows[0]["Cycle"])
	assert.Equal(t, "8.8.8.8", rows[1]["DstIP"])

	require.NoError(t, w.WriteBatch(context.Background(), cycle, nil))
}

func TestHTTPWriterReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "table missing", http.StatusNotFound)
	}))
	defer srv.Close()

	w, err := NewHTTPWriter(HTTPConfig{URL: srv.URL})
	require.NoError(t, err)
	err = w.WriteBatch(context.Background(), time.Now(), []models.FlowRecord{{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "table missing")

	_, err = NewHTTPWriter(HTTPConfig{})
	assert.Error(t, err)
}
