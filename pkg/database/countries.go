// Package database provides country reference data used to fill gaps in
// upstream attack records, with file, PostgreSQL, and built-in backends.
package database

import (
	"bufio"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/biter777/countries"
	"github.com/lib/pq"

	"github.com/hervehildenbrand/threatmap/pkg/logging"
)

const (
	refreshInterval = 15 * time.Minute // Refresh country data every 15 minutes

	defaultTableName = "country_centroids"
)

// CountryInfo is the reference data known for one country code.
// Zero coordinates mean the backend has no location for it.
type CountryInfo struct {
	Name      string
	Latitude  float64
	Longitude float64
}

// HasLocation reports whether the info carries coordinates.
func (c CountryInfo) HasLocation() bool {
	return c.Latitude != 0 || c.Longitude != 0
}

// CountryResolver provides country-code lookups.
type CountryResolver interface {
	// Resolve returns what is known about an ISO country code.
	Resolve(code string) (CountryInfo, bool)
	// Count returns the number of codes in the mapping.
	Count() int
	// Start begins any background refresh operations.
	Start()
	// Stop stops any background operations.
	Stop()
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// NullResolver knows nothing. Use this when no country data is configured.
type NullResolver struct{}

// NewNullResolver creates a new null resolver.
func NewNullResolver() *NullResolver {
	return &NullResolver{}
}

func (r *NullResolver) Resolve(string) (CountryInfo, bool) { return CountryInfo{}, false }
func (r *NullResolver) Count() int                         { return 0 }
func (r *NullResolver) Start()                             {}
func (r *NullResolver) Stop()                              {}

// BuiltinResolver resolves English country names from the ISO 3166 tables
// compiled into github.com/biter777/countries. It has no coordinates.
type BuiltinResolver struct{}

// NewBuiltinResolver creates a resolver backed by the built-in ISO tables.
func NewBuiltinResolver() *BuiltinResolver {
	return &BuiltinResolver{}
}

func (r *BuiltinResolver) Resolve(code string) (CountryInfo, bool) {
	code = normalizeCode(code)
	if code == "" {
		return CountryInfo{}, false
	}
	c := countries.ByName(code)
	if !c.IsValid() {
		return CountryInfo{}, false
	}
	return CountryInfo{Name: c.String()}, true
}

func (r *BuiltinResolver) Count() int { return len(countries.All()) }
func (r *BuiltinResolver) Start()     {}
func (r *BuiltinResolver) Stop()      {}

// FileResolver loads country data from a CSV file.
// Expected format: code,name,latitude,longitude (e.g., "DE,Germany,51.16,10.45")
type FileResolver struct {
	filePath string
	mapping  map[string]CountryInfo
	mu       sync.RWMutex
	logger   logging.Logger
}

// NewFileResolver creates a resolver that loads mappings from a CSV file.
func NewFileResolver(filePath string, logger logging.Logger) (*FileResolver, error) {
	r := &FileResolver{
		filePath: filePath,
		mapping:  make(map[string]CountryInfo),
		logger:   logging.OrDiscard(logger),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileResolver) load() error {
	file, err := os.Open(r.filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	reader := csv.NewReader(bufio.NewReader(file))
	reader.FieldsPerRecord = -1

	lineNo := 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		lineNo++
		if err != nil {
			continue
		}
		code, info, ok := parseCountryRecord(record)
		if !ok {
			// The first line is usually a header
			if lineNo > 1 {
				r.logger.WithField("line", lineNo).Debug("Skipping malformed country record")
			}
			continue
		}
		r.mapping[code] = info
	}

	r.logger.WithFields(logging.Fields{
		"path":      r.filePath,
		"countries": len(r.mapping),
	}).Info("FileResolver: loaded country data")
	return nil
}

// parseCountryRecord accepts "code,name" or "code,name,lat,lng".
func parseCountryRecord(record []string) (string, CountryInfo, bool) {
	if len(record) < 2 {
		return "", CountryInfo{}, false
	}
	code := normalizeCode(record[0])
	if len(code) < 2 || len(code) > 3 {
		return "", CountryInfo{}, false
	}
	info := CountryInfo{Name: strings.TrimSpace(record[1])}
	if len(record) >= 4 {
		lat, latErr := strconv.ParseFloat(strings.TrimSpace(record[2]), 64)
		lng, lngErr := strconv.ParseFloat(strings.TrimSpace(record[3]), 64)
		if latErr != nil || lngErr != nil {
			return "", CountryInfo{}, false
		}
		info.Latitude = lat
		info.Longitude = lng
	}
	return code, info, true
}

func (r *FileResolver) Resolve(code string) (CountryInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.mapping[normalizeCode(code)]
	return info, ok
}

func (r *FileResolver) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.mapping)
}

func (r *FileResolver) Start() {}
func (r *FileResolver) Stop()  {}

// DatabaseResolver loads country data from a PostgreSQL table.
// Uses a simple schema: SELECT code, name, latitude, longitude FROM country_centroids
type DatabaseResolver struct {
	db         *sql.DB
	tableName  string
	mapping    map[string]CountryInfo
	mu         sync.RWMutex
	done       chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	lastUpdate time.Time
	logger     logging.Logger
}

// NewDatabaseResolver creates a resolver that loads mappings from a database.
// tableName defaults to "country_centroids" if empty.
func NewDatabaseResolver(db *sql.DB, tableName string, logger logging.Logger) *DatabaseResolver {
	if tableName == "" {
		tableName = defaultTableName
	}
	return &DatabaseResolver{
		db:        db,
		tableName: tableName,
		mapping:   make(map[string]CountryInfo),
		done:      make(chan struct{}),
		logger:    logging.OrDiscard(logger),
	}
}

// Start loads the table and begins periodic refresh.
func (r *DatabaseResolver) Start() {
	if err := r.refresh(); err != nil {
		r.logger.WithError(err).Warn("DatabaseResolver: initial load failed")
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(refreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := r.refresh(); err != nil {
					r.logger.WithError(err).Warn("DatabaseResolver: refresh failed")
				}
			case <-r.done:
				return
			}
		}
	}()
}

// Stop stops the refresh loop. Safe to call more than once.
func (r *DatabaseResolver) Stop() {
	r.stopOnce.Do(func() { close(r.done) })
	r.wg.Wait()
}

// Resolve returns the country data for a code.
func (r *DatabaseResolver) Resolve(code string) (CountryInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.mapping[normalizeCode(code)]
	return info, ok
}

// Count returns the number of countries in the mapping.
func (r *DatabaseResolver) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.mapping)
}

// LastUpdate returns when the mapping was last replaced.
func (r *DatabaseResolver) LastUpdate() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastUpdate
}

// refresh replaces the mapping with the table contents. On error the
// previous mapping is kept.
func (r *DatabaseResolver) refresh() error {
	start := time.Now()

	query := "SELECT code, name, latitude, longitude FROM " + pq.QuoteIdentifier(r.tableName) +
		" WHERE code IS NOT NULL AND code != ''"
	rows, err := r.db.Query(query)
	if err != nil {
		return fmt.Errorf("query %s: %w", r.tableName, err)
	}
	defer rows.Close()

	newMapping := make(map[string]CountryInfo)
	for rows.Next() {
		var (
			code     string
			name     sql.NullString
			lat, lng sql.NullFloat64
		)
		if err := rows.Scan(&code, &name, &lat, &lng); err != nil {
			continue
		}
		newMapping[normalizeCode(code)] = CountryInfo{
			Name:      name.String,
			Latitude:  lat.Float64,
			Longitude: lng.Float64,
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate %s: %w", r.tableName, err)
	}

	r.mu.Lock()
	r.mapping = newMapping
	r.lastUpdate = time.Now()
	r.mu.Unlock()

	r.logger.WithFields(logging.Fields{
		"countries": len(newMapping),
		"elapsed":   time.Since(start).String(),
	}).Info("DatabaseResolver: loaded country data")
	return nil
}

// ChainResolver merges several resolvers: the name comes from the first
// resolver that has one, the location from the first that has one.
type ChainResolver struct {
	resolvers []CountryResolver
}

// NewChainResolver creates a resolver consulting rs in order.
func NewChainResolver(rs ...CountryResolver) *ChainResolver {
	return &ChainResolver{resolvers: rs}
}

func (c *ChainResolver) Resolve(code string) (CountryInfo, bool) {
	var merged CountryInfo
	found := false
	for _, r := range c.resolvers {
		info, ok := r.Resolve(code)
		if !ok {
			continue
		}
		found = true
		if merged.Name == "" {
			merged.Name = info.Name
		}
		if !merged.HasLocation() && info.HasLocation() {
			merged.Latitude = info.Latitude
			merged.Longitude = info.Longitude
		}
		if merged.Name != "" && merged.HasLocation() {
			break
		}
	}
	return merged, found
}

// Count returns the largest count among the chained resolvers.
func (c *ChainResolver) Count() int {
	n := 0
	for _, r := range c.resolvers {
		if rc := r.Count(); rc > n {
			n = rc
		}
	}
	return n
}

func (c *ChainResolver) Start() {
	for _, r := range c.resolvers {
		r.Start()
	}
}

func (c *ChainResolver) Stop() {
	for _, r := range c.resolvers {
		r.Stop()
	}
}
