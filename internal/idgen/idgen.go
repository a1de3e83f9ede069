// Package idgen generates the two identifier formats spec §4.2 and §6
// describe: booking numbers (BH{yymmdd}{6 hex upper}, random, collision
// checked by the unique index) and employee IDs
// (CLN-{REGION3}-{yymm}-{seq5}, sequential, collision-free by construction),
// grounded on security.generate_booking_number and
// employee_id_generator.EmployeeIDGenerator.
package idgen

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	derrors "github.com/cleanco/dispatchcore/internal/errors"

	"github.com/cleanco/dispatchcore/internal/domain"
)

// BookingNumber generates "BH{yymmdd}{6 hex upper}" for now.
func BookingNumber(now time.Time) (string, error) {
	buf := make([]byte, 3)
	if _, err := rand.Read(buf); err != nil {
		return "", derrors.Wrap(err, "generate booking number entropy")
	}
	return fmt.Sprintf("BH%s%s", now.Format("060102"), strings.ToUpper(hex.EncodeToString(buf))), nil
}

const sequencePadLength = 5

// sequences abstracts the atomic per-(region, year-month) counter so idgen
// doesn't depend directly on internal/store, matching how the original
// generator only needed a session to run a row-locked query through.
type sequences interface {
	NextSequence(ctx context.Context, region domain.RegionCode, yearMonth string) (int, error)
	PeekSequence(ctx context.Context, region domain.RegionCode, yearMonth string) (int, error)
}

// EmployeeIDGenerator issues employee IDs, backed by a SequenceStore.
type EmployeeIDGenerator struct {
	seq sequences
	now func() time.Time
}

func NewEmployeeIDGenerator(seq sequences) *EmployeeIDGenerator {
	return &EmployeeIDGenerator{seq: seq, now: time.Now}
}

var validRegions = map[domain.RegionCode]bool{
	domain.RegionDXB: true, domain.RegionAUH: true, domain.RegionSHJ: true,
	domain.RegionAJM: true, domain.RegionRAK: true, domain.RegionFUJ: true,
	domain.RegionUAQ: true,
}

// Generate returns a new employee ID for region, e.g. "CLN-DXB-2501-00042".
func (g *EmployeeIDGenerator) Generate(ctx context.Context, region domain.RegionCode) (string, error) {
	if !validRegions[region] {
		return "", derrors.BadRequest("invalid region code: %s", region)
	}
	yearMonth := g.now().Format("0601")
	seq, err := g.seq.NextSequence(ctx, region, yearMonth)
	if err != nil {
		return "", err
	}
	return format(region, yearMonth, seq), nil
}

// PeekNextID previews the next ID for region without consuming a sequence
// value, for admin UI display.
func (g *EmployeeIDGenerator) PeekNextID(ctx context.Context, region domain.RegionCode) (string, error) {
	if !validRegions[region] {
		return "", derrors.BadRequest("invalid region code: %s", region)
	}
	yearMonth := g.now().Format("0601")
	seq, err := g.seq.PeekSequence(ctx, region, yearMonth)
	if err != nil {
		return "", err
	}
	return format(region, yearMonth, seq), nil
}

func format(region domain.RegionCode, yearMonth string, seq int) string {
	return fmt.Sprintf("CLN-%s-%s-%0*d", region, yearMonth, sequencePadLength, seq)
}

// ParsedEmployeeID holds the decomposed fields of a valid employee ID.
type ParsedEmployeeID struct {
	Region    domain.RegionCode
	YearMonth string
	Year      string
	Month     string
	Sequence  int
}

var employeeIDPattern = regexp.MustCompile(`^CLN-[A-Z]{3}-\d{4}-\d{5}$`)

// ValidateEmployeeID reports whether id matches the closed format.
func ValidateEmployeeID(id string) bool {
	return employeeIDPattern.MatchString(id)
}

// ParseEmployeeID decomposes id into its components, returning an error if
// id doesn't match the expected format.
func ParseEmployeeID(id string) (*ParsedEmployeeID, error) {
	if !ValidateEmployeeID(id) {
		return nil, derrors.BadRequest("malformed employee id: %s", id)
	}
	parts := strings.Split(id, "-")
	if len(parts) != 4 {
		return nil, derrors.BadRequest("malformed employee id: %s", id)
	}
	prefix, region, yearMonth, seqStr := parts[0], parts[1], parts[2], parts[3]
	if prefix != "CLN" || len(region) != 3 || len(yearMonth) != 4 || len(seqStr) != 5 {
		return nil, derrors.BadRequest("malformed employee id: %s", id)
	}
	seq, err := strconv.Atoi(seqStr)
	if err != nil {
		return nil, derrors.BadRequest("malformed employee id sequence: %s", id)
	}
	return &ParsedEmployeeID{
		Region:    domain.RegionCode(region),
		YearMonth: yearMonth,
		Year:      "20" + yearMonth[:2],
		Month:     yearMonth[2:],
		Sequence:  seq,
	}, nil
}
