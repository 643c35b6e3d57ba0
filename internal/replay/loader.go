package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/dbsmedya/dbusreplay/internal/logger"
	"github.com/dbsmedya/dbusreplay/internal/types"
)

const (
	// ObjectManagerInterface carries the InterfacesAdded signal.
	ObjectManagerInterface = "org.freedesktop.DBus.ObjectManager"
	// InterfacesAddedSignature is the body signature of InterfacesAdded.
	InterfacesAddedSignature = "oa{sa{sv}}"
)

// Options configures a Loader.
type Options struct {
	// EmitInterfacesAdded announces every replayed record from ManagerPath.
	EmitInterfacesAdded bool
	ManagerPath         dbus.ObjectPath
}

// RecordSource yields records until io.EOF. *capture.Reader implements it.
type RecordSource interface {
	Next() (types.ObjectRecord, error)
}

// LoadStats contains statistics about a load.
type LoadStats struct {
	Records    int
	Objects    int // AddObject calls that succeeded
	Appended   int // interfaces appended to an existing object
	Empty      int // records without interfaces, nothing created
	Signals    int
	Failed     int
	Duration   time.Duration
	FailedPath []dbus.ObjectPath
}

// Loader replays ObjectRecords into a Host, strictly in input order.
type Loader struct {
	host   Host
	opts   Options
	logger *logger.Logger
}

// NewLoader creates a loader writing to host.
func NewLoader(host Host, opts Options, log *logger.Logger) (*Loader, error) {
	if host == nil {
		return nil, fmt.Errorf("host is nil")
	}
	if opts.EmitInterfacesAdded && !opts.ManagerPath.IsValid() {
		return nil, fmt.Errorf("invalid manager path %q", opts.ManagerPath)
	}
	if log == nil {
		log = logger.NewDefault()
	}
	return &Loader{host: host, opts: opts, logger: log}, nil
}

// createdPaths tracks which paths the current record has already created.
// A fresh set is used per record, so a path repeated in a later record is
// an independent creation attempt.
type createdPaths map[dbus.ObjectPath]bool

// Apply replays one record: the first interface creates the object, every
// further interface is appended to it.
func (l *Loader) Apply(rec types.ObjectRecord) error {
	_, err := l.apply(rec, make(createdPaths))
	return err
}

type applyResult struct {
	appended  int
	announced bool
	empty     bool
}

func (l *Loader) apply(rec types.ObjectRecord, created createdPaths) (applyResult, error) {
	var res applyResult
	if !rec.Path.IsValid() {
		return res, fmt.Errorf("invalid object path %q", rec.Path)
	}

	log := l.logger.WithPath(string(rec.Path))
	if len(rec.Interfaces) == 0 {
		log.Debug("Record has no interfaces, nothing to create")
		res.empty = true
		return res, nil
	}

	for _, iface := range rec.Interfaces {
		if !created[rec.Path] {
			if err := l.host.AddObject(rec.Path, iface.Name, iface.Properties, iface.Methods); err != nil {
				return res, fmt.Errorf("failed to create %s: %w", rec.Path, err)
			}
			created[rec.Path] = true
			log.Debugw("Created object", "interface", iface.Name)
			continue
		}

		obj, err := l.host.GetObject(rec.Path)
		if err != nil {
			return res, fmt.Errorf("failed to look up %s: %w", rec.Path, err)
		}
		if err := obj.AddProperties(iface.Name, iface.Properties); err != nil {
			return res, fmt.Errorf("failed to add %s properties to %s: %w", iface.Name, rec.Path, err)
		}
		if err := obj.AddMethods(iface.Name, iface.Methods); err != nil {
			return res, fmt.Errorf("failed to add %s methods to %s: %w", iface.Name, rec.Path, err)
		}
		res.appended++
		log.Debugw("Appended interface", "interface", iface.Name)
	}

	if l.opts.EmitInterfacesAdded {
		res.announced = l.announce(rec)
	}
	return res, nil
}

// announce emits InterfacesAdded for every interface of rec. A missing
// manager object only costs the notification.
func (l *Loader) announce(rec types.ObjectRecord) bool {
	manager, err := l.host.GetObject(l.opts.ManagerPath)
	if err != nil {
		l.logger.Warnw("Cannot announce object, manager object missing",
			"path", string(rec.Path),
			"manager", string(l.opts.ManagerPath),
			"error", err,
		)
		return false
	}

	ifaces := make(map[string]map[string]dbus.Variant, len(rec.Interfaces))
	for _, iface := range rec.Interfaces {
		ifaces[iface.Name] = iface.Properties.Variants()
	}

	if err := manager.EmitSignal(ObjectManagerInterface, "InterfacesAdded", InterfacesAddedSignature,
		[]interface{}{rec.Path, ifaces}); err != nil {
		l.logger.Warnw("Failed to emit InterfacesAdded", "path", string(rec.Path), "error", err)
		return false
	}
	return true
}

// Load replays every record of src. A record that fails is logged and
// skipped; the remaining records are still replayed. The returned error
// joins every per-record failure.
func (l *Loader) Load(ctx context.Context, src RecordSource) (*LoadStats, error) {
	startTime := time.Now()
	stats := &LoadStats{}
	var errs []error

	for {
		select {
		case <-ctx.Done():
			stats.Duration = time.Since(startTime)
			return stats, ctx.Err()
		default:
		}

		rec, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			stats.Duration = time.Since(startTime)
			return stats, fmt.Errorf("failed to read record: %w", err)
		}
		stats.Records++

		res, err := l.apply(rec, make(createdPaths))
		stats.Appended += res.appended
		if err != nil {
			stats.Failed++
			stats.FailedPath = append(stats.FailedPath, rec.Path)
			errs = append(errs, err)
			l.logger.Errorw("Failed to replay record", "path", string(rec.Path), "error", err)
			continue
		}
		if res.empty {
			stats.Empty++
			continue
		}
		stats.Objects++
		if res.announced {
			stats.Signals++
		}
	}

	stats.Duration = time.Since(startTime)
	l.logger.Infow("Replay complete",
		"records", stats.Records,
		"objects", stats.Objects,
		"appended", stats.Appended,
		"empty", stats.Empty,
		"failed", stats.Failed,
		"duration", stats.Duration,
	)
	return stats, errors.Join(errs...)
}

// AddUdevObject rebuilds one object from (name, properties, methods)
// triples as carried over the bus. Every literal is parsed before the host
// is touched, so a malformed triple leaves no partial object behind.
func (l *Loader) AddUdevObject(path dbus.ObjectPath, triples []types.Triple) error {
	rec, err := ParseTriples(path, triples)
	if err != nil {
		return err
	}
	return l.Apply(rec)
}

// ParseTriples converts wire triples back into an ObjectRecord.
func ParseTriples(path dbus.ObjectPath, triples []types.Triple) (types.ObjectRecord, error) {
	rec := types.ObjectRecord{Path: path}
	for _, t := range triples {
		ir := types.NewInterfaceRecord(t.Name)

		if err := json.Unmarshal([]byte(t.Properties), ir.Properties); err != nil {
			return rec, &ParseError{Path: path, Interface: t.Name, Field: "properties", Err: err}
		}
		var methods []types.MethodSignature
		if err := json.Unmarshal([]byte(t.Methods), &methods); err != nil {
			return rec, &ParseError{Path: path, Interface: t.Name, Field: "methods", Err: err}
		}
		ir.Methods = methods

		rec.Interfaces = append(rec.Interfaces, ir)
	}
	return rec, nil
}
