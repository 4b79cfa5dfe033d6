package statlog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppend_WritesOneLinePerRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.log")

	require.NoError(t, Append(path, Record{Start: 1, End: 2, SourceFile: "a.c", Local: true}))
	require.NoError(t, Append(path, Record{Start: 3, End: 4, SourceFile: "b.c", CppSize: 1024}))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var records []Record
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r Record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		records = append(records, r)
	}
	require.Len(t, records, 2)
	assert.Equal(t, "a.c", records[0].SourceFile)
	assert.True(t, records[0].Local)
	assert.Equal(t, "b.c", records[1].SourceFile)
	assert.Equal(t, 1024, records[1].CppSize)
}

func TestAppend_EmptyPathIsNoop(t *testing.T) {
	assert.NoError(t, Append("", Record{Start: 1}))
}

func TestAppend_ConcurrentWritersNeverInterleave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.log")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = Append(path, Record{Start: int64(n), End: int64(n) + 1, CommandLine: "gcc -c foo.c"})
		}(i)
	}
	wg.Wait()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	count := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r Record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r), "line %d is not valid JSON", count)
		count++
	}
	assert.Equal(t, 16, count)
}
