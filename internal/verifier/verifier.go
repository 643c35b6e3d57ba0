// Package verifier compares two sets of object records, typically a capture
// and a rescan of the stub host it was replayed into, path by path.
package verifier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/dbsmedya/dbusreplay/internal/logger"
	"github.com/dbsmedya/dbusreplay/internal/types"
)

// Method defines how two objects are compared.
type Method string

const (
	// MethodCount compares interface and property counts (fast).
	MethodCount Method = "count"
	// MethodSHA256 compares a hash of every interface's encoded form.
	MethodSHA256 Method = "sha256"
	// MethodSkip skips verification entirely.
	MethodSkip Method = "skip"
)

// Result holds the comparison of one object path.
type Result struct {
	Path          dbus.ObjectPath
	Method        Method
	ExpectedCount int
	ActualCount   int
	ExpectedHash  string
	ActualHash    string
	Match         bool
	Message       string
}

// Stats summarizes a verification run.
type Stats struct {
	Method       Method
	PathsChecked int
	PathsPassed  int
	PathsFailed  int
	Missing      int // expected paths absent from the actual set
	Unexpected   int // actual paths absent from the expected set
	Failures     []Result
}

// Verifier compares record sets with one Method.
type Verifier struct {
	method Method
	logger *logger.Logger
}

// New creates a verifier. An empty method means MethodCount.
func New(method Method, log *logger.Logger) (*Verifier, error) {
	if method == "" {
		method = MethodCount
	}
	switch method {
	case MethodCount, MethodSHA256, MethodSkip:
	default:
		return nil, fmt.Errorf("unsupported verification method: %s", method)
	}
	if log == nil {
		log = logger.NewDefault()
	}
	return &Verifier{method: method, logger: log}, nil
}

// Method returns the configured method.
func (v *Verifier) Method() Method {
	return v.method
}

// objectSet merges records by path, keeping first-seen path order. Records
// that share a path contribute their interfaces in input order.
type objectSet struct {
	order []dbus.ObjectPath
	byKey map[dbus.ObjectPath][]types.InterfaceRecord
}

func newObjectSet(records []types.ObjectRecord) objectSet {
	s := objectSet{byKey: make(map[dbus.ObjectPath][]types.InterfaceRecord)}
	for _, rec := range records {
		if _, ok := s.byKey[rec.Path]; !ok {
			s.order = append(s.order, rec.Path)
		}
		s.byKey[rec.Path] = append(s.byKey[rec.Path], rec.Interfaces...)
	}
	return s
}

// Verify compares every expected path against actual. All paths are
// checked; the returned error summarizes the failures.
func (v *Verifier) Verify(ctx context.Context, expected, actual []types.ObjectRecord) (*Stats, error) {
	if v.method == MethodSkip {
		v.logger.Info("Verification SKIPPED (method=skip)")
		return &Stats{Method: MethodSkip}, nil
	}

	stats := &Stats{Method: v.method}
	want := newObjectSet(expected)
	got := newObjectSet(actual)

	v.logger.Infof("Starting verification (method=%s) for %d paths", v.method, len(want.order))

	for _, path := range want.order {
		if err := ctx.Err(); err != nil {
			return stats, fmt.Errorf("verification interrupted: %w", err)
		}

		var result *Result
		gotIfaces, ok := got.byKey[path]
		if !ok {
			stats.Missing++
			result = &Result{Path: path, Method: v.method, Message: "missing from replayed objects"}
		} else {
			var err error
			result, err = v.compare(path, want.byKey[path], gotIfaces)
			if err != nil {
				return stats, fmt.Errorf("verification failed for %s: %w", path, err)
			}
		}
		v.record(stats, result)
	}

	for _, path := range got.order {
		if _, ok := want.byKey[path]; !ok {
			stats.Unexpected++
			v.record(stats, &Result{Path: path, Method: v.method, Message: "not present in capture"})
		}
	}

	v.logger.Infof("Verification complete: %d paths checked, %d passed, %d failed",
		stats.PathsChecked, stats.PathsPassed, stats.PathsFailed)

	if stats.PathsFailed > 0 {
		return stats, fmt.Errorf("verification failed: %d paths had mismatches", stats.PathsFailed)
	}
	return stats, nil
}

func (v *Verifier) record(stats *Stats, r *Result) {
	stats.PathsChecked++
	if r.Match {
		stats.PathsPassed++
		v.logger.Debugf("Verification PASSED for %s", r.Path)
		return
	}
	stats.PathsFailed++
	stats.Failures = append(stats.Failures, *r)
	v.logger.Errorf("Verification FAILED for %s: %s", r.Path, r.Message)
}

func (v *Verifier) compare(path dbus.ObjectPath, want, got []types.InterfaceRecord) (*Result, error) {
	switch v.method {
	case MethodCount:
		return verifyByCount(path, want, got), nil
	case MethodSHA256:
		return verifyBySHA256(path, want, got)
	default:
		return nil, fmt.Errorf("unsupported verification method: %s", v.method)
	}
}

// countMembers totals interfaces, properties and methods. The interface
// count is what ExpectedCount and ActualCount report.
func countMembers(ifaces []types.InterfaceRecord) (interfaces, members int) {
	for _, iface := range ifaces {
		interfaces++
		members += len(iface.Methods)
		if iface.Properties != nil {
			members += iface.Properties.Len()
		}
	}
	return interfaces, members
}

func verifyByCount(path dbus.ObjectPath, want, got []types.InterfaceRecord) *Result {
	wantIfaces, wantMembers := countMembers(want)
	gotIfaces, gotMembers := countMembers(got)

	r := &Result{
		Path:          path,
		Method:        MethodCount,
		ExpectedCount: wantIfaces,
		ActualCount:   gotIfaces,
		Match:         wantIfaces == gotIfaces && wantMembers == gotMembers,
	}
	switch {
	case wantIfaces != gotIfaces:
		r.Message = fmt.Sprintf("interface count mismatch: capture=%d, replayed=%d", wantIfaces, gotIfaces)
	case wantMembers != gotMembers:
		r.Message = fmt.Sprintf("member count mismatch: capture=%d, replayed=%d", wantMembers, gotMembers)
	}
	return r
}

func verifyBySHA256(path dbus.ObjectPath, want, got []types.InterfaceRecord) (*Result, error) {
	wantHash, err := hashInterfaces(want)
	if err != nil {
		return nil, fmt.Errorf("failed to hash capture: %w", err)
	}
	gotHash, err := hashInterfaces(got)
	if err != nil {
		return nil, fmt.Errorf("failed to hash replayed object: %w", err)
	}

	r := &Result{
		Path:          path,
		Method:        MethodSHA256,
		ExpectedCount: len(want),
		ActualCount:   len(got),
		ExpectedHash:  wantHash,
		ActualHash:    gotHash,
		Match:         wantHash == gotHash && len(want) == len(got),
	}
	if !r.Match {
		if len(want) != len(got) {
			r.Message = fmt.Sprintf("interface count mismatch: capture=%d, replayed=%d", len(want), len(got))
		} else {
			r.Message = fmt.Sprintf("hash mismatch: capture=%s, replayed=%s", wantHash[:16], gotHash[:16])
		}
	}
	return r, nil
}

// hashInterfaces hashes the capture encoding of each interface, one per
// line, in order. The encoding is deterministic: properties keep their
// declared order and dict entries are sorted by key.
func hashInterfaces(ifaces []types.InterfaceRecord) (string, error) {
	hasher := sha256.New()
	for _, iface := range ifaces {
		line, err := json.Marshal(iface)
		if err != nil {
			return "", fmt.Errorf("interface %s: %w", iface.Name, err)
		}
		hasher.Write(line)
		hasher.Write([]byte("\n"))
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
