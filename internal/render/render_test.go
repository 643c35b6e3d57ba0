package render

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbsmedya/dbusreplay/internal/capture"
	"github.com/dbsmedya/dbusreplay/internal/types"
)

func sampleRecords() []types.ObjectRecord {
	foo := types.NewInterfaceRecord("com.example.Foo")
	foo.Properties.Set("Bar", types.NewTypedValue("s", "hi"))
	foo.Properties.Set("Enabled", types.NewTypedValue("b", true))
	foo.Methods = []types.MethodSignature{{Name: "Baz", InSignature: "i", OutSignature: "s"}}

	return []types.ObjectRecord{
		{Path: "/com/example/Foo", Interfaces: []types.InterfaceRecord{foo}},
		{Path: "/com/example/Foo/ata", Interfaces: []types.InterfaceRecord{types.NewInterfaceRecord("com.example.Foo.Ata")}},
	}
}

func TestTree_Unicode(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Tree(&buf, sampleRecords(), DefaultStyle()))

	want := strings.Join([]string{
		"/",
		"└── com",
		"    └── example",
		"        └── Foo",
		"            │   com.example.Foo",
		`            │     Bar      s  "hi"`,
		"            │     Enabled  b  true",
		"            │     Baz(i) -> s",
		"            └── ata",
		"                    com.example.Foo.Ata",
		"",
	}, "\n")
	assert.Equal(t, want, buf.String())
}

func TestTree_ASCII(t *testing.T) {
	records := append(sampleRecords(), types.ObjectRecord{
		Path:       "/com/other",
		Interfaces: []types.InterfaceRecord{types.NewInterfaceRecord("com.other.Thing")},
	})

	var buf bytes.Buffer
	require.NoError(t, Tree(&buf, records, Style{UseASCII: true}))

	out := buf.String()
	assert.Contains(t, out, "`-- com\n")
	assert.Contains(t, out, "    +-- example\n")
	assert.Contains(t, out, "    `-- other\n")
	assert.Contains(t, out, "    |       `-- ata\n")
	assert.NotContains(t, out, "└")
	assert.NotContains(t, out, "│")
}

func TestTree_RootRecordAndDuplicatePaths(t *testing.T) {
	records := []types.ObjectRecord{
		{Path: "/", Interfaces: []types.InterfaceRecord{types.NewInterfaceRecord("com.example.Root")}},
		{Path: "/a", Interfaces: []types.InterfaceRecord{types.NewInterfaceRecord("com.example.A")}},
		{Path: "/a", Interfaces: []types.InterfaceRecord{types.NewInterfaceRecord("com.example.A.More")}},
	}

	var buf bytes.Buffer
	require.NoError(t, Tree(&buf, records, DefaultStyle()))

	want := strings.Join([]string{
		"/",
		"│   com.example.Root",
		"└── a",
		"        com.example.A",
		"        com.example.A.More",
		"",
	}, "\n")
	assert.Equal(t, want, buf.String())
}

func TestTree_TruncatesLongValues(t *testing.T) {
	iface := types.NewInterfaceRecord("com.example.Foo")
	iface.Properties.Set("Greeting", types.NewTypedValue("s", "hello world"))
	records := []types.ObjectRecord{{Path: "/x", Interfaces: []types.InterfaceRecord{iface}}}

	var buf bytes.Buffer
	require.NoError(t, Tree(&buf, records, Style{UseASCII: true, ValueWidth: 8}))
	assert.Contains(t, buf.String(), `Greeting  s  "hell...`)

	buf.Reset()
	require.NoError(t, Tree(&buf, records, Style{UseASCII: true}))
	assert.Contains(t, buf.String(), `Greeting  s  "hello world"`)
}

func TestTree_EncodeError(t *testing.T) {
	iface := types.NewInterfaceRecord("com.example.Foo")
	iface.Properties.Set("Broken", types.NewTypedValue("u", "not a number"))
	records := []types.ObjectRecord{{Path: "/x", Interfaces: []types.InterfaceRecord{iface}}}

	err := Tree(&bytes.Buffer{}, records, DefaultStyle())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "com.example.Foo.Broken")
}

func TestTree_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Tree(&buf, nil, DefaultStyle()))
	assert.Equal(t, "/\n", buf.String())
}

func TestHeader(t *testing.T) {
	var buf bytes.Buffer
	Header(&buf, "Capture: %s", "foo")

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, strings.Repeat("=", 16), lines[0])
	assert.Equal(t, "  Capture: foo", lines[1])
	assert.Equal(t, lines[0], lines[2])
}

func TestSection(t *testing.T) {
	var buf bytes.Buffer
	Section(&buf, "Objects")
	assert.Equal(t, "[Objects]\n---------\n", buf.String())
}

func TestSideBySide(t *testing.T) {
	tests := []struct {
		name    string
		left    string
		right   []string
		padding int
		want    string
	}{
		{
			name:    "basic side by side",
			left:    "Line1\nLine2",
			right:   []string{"Right1", "Right2"},
			padding: 4,
			want:    "Line1    Right1\nLine2    Right2\n",
		},
		{
			name:    "uneven lines",
			left:    "L\nLine2\nLine3\n",
			right:   []string{"R"},
			padding: 2,
			want:    "L      R\nLine2\nLine3\n",
		},
		{
			name:    "right column longer",
			left:    "L",
			right:   []string{"R1", "", "R3"},
			padding: 1,
			want:    "L R1\n\n  R3\n",
		},
		{
			name:    "wide characters",
			left:    "日本\nab",
			right:   []string{"x", "y"},
			padding: 1,
			want:    "日本 x\nab   y\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			SideBySide(&buf, tt.left, tt.right, tt.padding)
			assert.Equal(t, tt.want, buf.String())
		})
	}
}

func TestCount(t *testing.T) {
	c := Count(sampleRecords())
	assert.Equal(t, Counts{Objects: 2, Interfaces: 2, Properties: 2, Methods: 1, MaxDepth: 4}, c)
	assert.Equal(t, Counts{}, Count(nil))
}

func TestSummaryLines(t *testing.T) {
	h := capture.Header{Destination: "com.example", Bus: "session", Mock: "self", Root: "/"}
	lines := SummaryLines(h, sampleRecords())

	joined := strings.Join(lines, "\n")
	assert.Contains(t, joined, "Destination:  com.example")
	assert.Contains(t, joined, "Objects:      2")
	assert.Contains(t, joined, "Max Depth:    4 levels")
}
