package archive

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/correction-pipeline/internal/domain"
	"github.com/cuongbtq/correction-pipeline/internal/security"
	"github.com/cuongbtq/correction-pipeline/shared/logger"
)

type entry struct {
	name string
	data string
}

func buildArchive(t *testing.T, entries ...entry) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: e.name, Method: zip.Store})
		require.NoError(t, err)
		_, err = w.Write([]byte(e.data))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func validated(t *testing.T, data []byte) *security.Validated {
	t.Helper()

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	return &security.Validated{
		Upload:  security.Upload{Filename: "batch.zip", Data: data},
		Archive: zr,
	}
}

func newTestDecomposer(maxFiles int, maxExtract int64) *Decomposer {
	return NewDecomposer(maxFiles, maxExtract, domain.DefaultExtensions(), logger.Discard())
}

func TestDecomposer_SingleFile(t *testing.T) {
	v := &security.Validated{
		Upload: security.Upload{Filename: "uploads/note.txt", Data: []byte("This are a test.")},
		Kind:   domain.KindText,
	}

	batch, err := newTestDecomposer(10, 1<<20).Decompose("b1", v)
	require.NoError(t, err)
	require.Len(t, batch.Jobs, 1)

	job := batch.Jobs[0]
	assert.Equal(t, "b1-0", job.ID)
	assert.Equal(t, 0, job.Position)
	assert.Equal(t, "note.txt", job.Name)
	assert.Equal(t, domain.KindText, job.Kind)
	assert.Equal(t, domain.JobStatusPending, job.Status)
	assert.Equal(t, 1, batch.TotalFiles)
}

func TestDecomposer_SkipsAndOrders(t *testing.T) {
	data := buildArchive(t,
		entry{name: "docs/"},
		entry{name: "docs/first.txt", data: "first"},
		entry{name: ".DS_Store", data: "junk"},
		entry{name: "__MACOSX/docs/._first.txt", data: "junk"},
		entry{name: "tool.exe", data: "MZ"},
		entry{name: "nested.zip", data: "PK"},
		entry{name: "page.html", data: "<p>second</p>"},
		entry{name: "docs/.hidden.txt", data: "junk"},
		entry{name: "img/scan.PNG", data: "\x89PNG"},
	)

	batch, err := newTestDecomposer(10, 1<<20).Decompose("b2", validated(t, data))
	require.NoError(t, err)

	tests := []struct {
		position int
		name     string
		kind     domain.Kind
		payload  string
	}{
		{position: 0, name: "first.txt", kind: domain.KindText, payload: "first"},
		{position: 1, name: "page.html", kind: domain.KindHTML, payload: "<p>second</p>"},
		{position: 2, name: "scan.PNG", kind: domain.KindImage, payload: "\x89PNG"},
	}

	require.Len(t, batch.Jobs, len(tests))
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := batch.Jobs[i]
			assert.Equal(t, tt.position, job.Position)
			assert.Equal(t, tt.name, job.Name)
			assert.Equal(t, tt.kind, job.Kind)
			assert.Equal(t, tt.payload, string(job.Payload))
		})
	}

	assert.Equal(t, 8, batch.TotalEntries)
	assert.Equal(t, 5, batch.SkippedFiles)
	assert.Equal(t, 3, batch.TotalFiles)
}

func TestDecomposer_CapsJobs(t *testing.T) {
	entries := make([]entry, 0, 5)
	for i := range 5 {
		entries = append(entries, entry{name: fmt.Sprintf("f%d.txt", i), data: "text"})
	}

	batch, err := newTestDecomposer(3, 1<<20).Decompose("b3", validated(t, buildArchive(t, entries...)))
	require.NoError(t, err)
	require.Len(t, batch.Jobs, 3)
	assert.Equal(t, "f2.txt", batch.Jobs[2].Name)
	assert.Equal(t, 2, batch.SkippedFiles)
}

func TestDecomposer_CorruptedEntryFailsOnlyThatJob(t *testing.T) {
	data := buildArchive(t,
		entry{name: "a.txt", data: "alpha text"},
		entry{name: "bad.txt", data: "corrupted content here"},
		entry{name: "c.txt", data: "gamma text"},
	)
	idx := bytes.Index(data, []byte("corrupted content here"))
	require.Positive(t, idx)
	data[idx] ^= 0xff

	batch, err := newTestDecomposer(10, 1<<20).Decompose("b4", validated(t, data))
	require.NoError(t, err)
	require.Len(t, batch.Jobs, 3)

	bad := batch.Jobs[1]
	assert.Equal(t, domain.JobStatusFailed, bad.Status)
	require.NotNil(t, bad.Err)
	assert.Equal(t, domain.CodeArchiveCorrupted, bad.Err.Code)
	assert.Nil(t, bad.Payload)

	for _, i := range []int{0, 2} {
		assert.Equal(t, domain.JobStatusPending, batch.Jobs[i].Status)
		assert.Nil(t, batch.Jobs[i].Err)
	}
	assert.Equal(t, "gamma text", string(batch.Jobs[2].Payload))
}

func TestDecomposer_ExtractLimitAbortsButKeepsJobs(t *testing.T) {
	data := buildArchive(t,
		entry{name: "a.txt", data: "0123456789"},
		entry{name: "b.txt", data: "0123456789"},
		entry{name: "c.txt", data: "0123456789"},
	)

	batch, err := newTestDecomposer(10, 25).Decompose("b5", validated(t, data))

	var derr *domain.DecompositionError
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, domain.CodeExtractSizeExceeded, derr.Code)
	require.NotNil(t, batch)
	require.Len(t, batch.Jobs, 2)
	assert.Equal(t, []int{0, 1}, []int{batch.Jobs[0].Position, batch.Jobs[1].Position})
}

func TestDecomposer_NoValidFiles(t *testing.T) {
	data := buildArchive(t,
		entry{name: "readme.md", data: "# nope"},
		entry{name: ".env", data: "SECRET=1"},
	)

	batch, err := newTestDecomposer(10, 1<<20).Decompose("b6", validated(t, data))

	var verr *domain.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, domain.CodeNoValidFiles, verr.Code)
	assert.Nil(t, batch)
}

func TestDecomposer_JobsIsRestartable(t *testing.T) {
	data := buildArchive(t,
		entry{name: "a.txt", data: "one"},
		entry{name: "b.txt", data: "two"},
		entry{name: "c.txt", data: "three"},
	)
	d := newTestDecomposer(10, 1<<20)
	v := validated(t, data)

	collect := func(limit int) []string {
		var names []string
		for job, err := range d.Jobs("b7", v, nil) {
			require.NoError(t, err)
			names = append(names, job.Name)
			if len(names) == limit {
				break
			}
		}
		return names
	}

	assert.Equal(t, []string{"a.txt"}, collect(1))
	assert.Equal(t, []string{"a.txt", "b.txt", "c.txt"}, collect(10))
	assert.Equal(t, []string{"a.txt", "b.txt", "c.txt"}, collect(10))
}
