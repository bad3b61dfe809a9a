package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/example/ridebid/internal/ride/domain"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

const rideColumns = `id, rider_id, driver_id, pickup_lat, pickup_lng, pickup_address,
dropoff_lat, dropoff_lng, dropoff_address, distance_km, offered_fare, counter_fare, final_fare,
suggested_fare_min, suggested_fare_max, suggested_fare_avg, notes, status, payment_method,
payment_status, cancellation_reason, cancelled_by, requested_at, accepted_at, started_at,
completed_at, cancelled_at, updated_at`

const offerColumns = `id, ride_id, driver_id, offered_fare, eta_minutes, message, status, created_at, updated_at`

// PostgresRepository implements domain.RideStore on PostgreSQL. Status
// guards live in the WHERE clause of each update so concurrent writers
// cannot overwrite each other.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository wraps an open database handle.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Migrate creates the tables when they are missing.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// InsertRide stores the ride and returns it.
func (p *PostgresRepository) InsertRide(ctx context.Context, ride domain.Ride) (domain.Ride, error) {
	var band struct{ min, max, avg *float64 }
	if ride.SuggestedFare != nil {
		band.min, band.max, band.avg = &ride.SuggestedFare.Min, &ride.SuggestedFare.Max, &ride.SuggestedFare.Average
	}
	row := p.db.QueryRowContext(ctx, `INSERT INTO rides (`+rideColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28)
RETURNING `+rideColumns,
		ride.ID, ride.RiderID, nullUUID(ride.DriverID),
		ride.Pickup.Point.Lat, ride.Pickup.Point.Lng, ride.Pickup.Address,
		ride.Dropoff.Point.Lat, ride.Dropoff.Point.Lng, ride.Dropoff.Address,
		ride.DistanceKM, ride.OfferedFare, ride.CounterFare, ride.FinalFare,
		band.min, band.max, band.avg, ride.Notes, string(ride.Status), string(ride.PaymentMethod),
		string(ride.PaymentStatus), ride.CancellationReason, nullUUID(ride.CancelledBy), ride.RequestedAt,
		ride.AcceptedAt, ride.StartedAt, ride.CompletedAt, ride.CancelledAt, ride.UpdatedAt,
	)
	created, err := scanRide(row)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Ride{}, domain.Errorf(domain.KindConflict, "ride %s already exists", ride.ID)
		}
		return domain.Ride{}, fmt.Errorf("insert ride: %w", err)
	}
	return created, nil
}

// GetRideByID retrieves a ride.
func (p *PostgresRepository) GetRideByID(ctx context.Context, id uuid.UUID) (domain.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id)
	ride, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Ride{}, domain.Errorf(domain.KindNotFound, "ride %s not found", id)
	}
	if err != nil {
		return domain.Ride{}, fmt.Errorf("select ride: %w", err)
	}
	return ride, nil
}

// ListRides returns matching rides newest first.
func (p *PostgresRepository) ListRides(ctx context.Context, filter domain.RideFilter, page domain.Page) ([]domain.Ride, error) {
	page = page.Normalize()
	var (
		clauses []string
		args    []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.RiderID != nil {
		clauses = append(clauses, "r.rider_id = "+arg(*filter.RiderID))
	}
	if filter.DriverID != nil {
		clauses = append(clauses, "r.driver_id = "+arg(*filter.DriverID))
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			placeholders[i] = arg(string(s))
		}
		clauses = append(clauses, "r.status IN ("+strings.Join(placeholders, ",")+")")
	}
	if filter.ExcludeOfferedBy != nil {
		clauses = append(clauses, "NOT EXISTS (SELECT 1 FROM ride_offers o WHERE o.ride_id = r.id AND o.driver_id = "+
			arg(*filter.ExcludeOfferedBy)+" AND o.status <> 'rejected')")
	}

	query := `SELECT ` + prefixed("r.", rideColumns) + ` FROM rides r`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY r.requested_at DESC, r.id LIMIT " + arg(page.Size) + " OFFSET " + arg(page.Offset())

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list rides: %w", err)
	}
	defer rows.Close()
	rides := []domain.Ride{}
	for rows.Next() {
		ride, err := scanRide(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ride: %w", err)
		}
		rides = append(rides, ride)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rides: %w", err)
	}
	return rides, nil
}

// UpdateRideFields applies patch with a guard on the current status.
func (p *PostgresRepository) UpdateRideFields(ctx context.Context, id uuid.UUID, expected []domain.RideStatus, patch domain.RidePatch) (domain.Ride, error) {
	sets, args := patchAssignments(patch)
	if len(sets) == 0 {
		return p.GetRideByID(ctx, id)
	}
	args = append(args, id)
	query := "UPDATE rides SET " + strings.Join(sets, ", ") + fmt.Sprintf(" WHERE id = $%d", len(args))
	if len(expected) > 0 {
		placeholders := make([]string, len(expected))
		for i, s := range expected {
			args = append(args, string(s))
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		query += " AND status IN (" + strings.Join(placeholders, ",") + ")"
	}
	query += " RETURNING " + rideColumns

	ride, err := scanRide(p.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		current, getErr := p.GetRideByID(ctx, id)
		if getErr != nil {
			return domain.Ride{}, getErr
		}
		return domain.Ride{}, domain.Errorf(domain.KindConflict, "ride %s is %s", id, current.Status)
	}
	if err != nil {
		return domain.Ride{}, fmt.Errorf("update ride: %w", err)
	}
	return ride, nil
}

func patchAssignments(patch domain.RidePatch) ([]string, []any) {
	var (
		sets []string
		args []any
	)
	set := func(column string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if patch.Status != nil {
		set("status", string(*patch.Status))
	}
	if patch.ClearDriver {
		sets = append(sets, "driver_id = NULL")
	} else if patch.DriverID != nil {
		set("driver_id", *patch.DriverID)
	}
	if patch.CounterFare != nil {
		set("counter_fare", *patch.CounterFare)
	}
	if patch.ClearFinalFare {
		sets = append(sets, "final_fare = NULL")
	} else if patch.FinalFare != nil {
		set("final_fare", *patch.FinalFare)
	}
	if patch.PaymentStatus != nil {
		set("payment_status", string(*patch.PaymentStatus))
	}
	if patch.CancellationReason != nil {
		set("cancellation_reason", *patch.CancellationReason)
	}
	if patch.CancelledBy != nil {
		set("cancelled_by", *patch.CancelledBy)
	}
	if patch.AcceptedAt != nil {
		set("accepted_at", *patch.AcceptedAt)
	}
	if patch.StartedAt != nil {
		set("started_at", *patch.StartedAt)
	}
	if patch.CompletedAt != nil {
		set("completed_at", *patch.CompletedAt)
	}
	if patch.CancelledAt != nil {
		set("cancelled_at", *patch.CancelledAt)
	}
	if !patch.UpdatedAt.IsZero() {
		set("updated_at", patch.UpdatedAt)
	}
	return sets, args
}

// InsertOffer locks the ride row, checks it is open, stores the offer and
// flips requested to offered in one transaction.
func (p *PostgresRepository) InsertOffer(ctx context.Context, offer domain.RideOffer) (domain.RideOffer, domain.Ride, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return domain.RideOffer{}, domain.Ride{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM rides WHERE id = $1 FOR UPDATE`, offer.RideID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RideOffer{}, domain.Ride{}, domain.Errorf(domain.KindNotFound, "ride %s not found", offer.RideID)
	}
	if err != nil {
		return domain.RideOffer{}, domain.Ride{}, fmt.Errorf("lock ride: %w", err)
	}
	if !domain.RideStatus(status).Open() {
		return domain.RideOffer{}, domain.Ride{}, domain.Errorf(domain.KindRideNotAvailable, "ride %s is %s", offer.RideID, status)
	}

	created, err := scanOffer(tx.QueryRowContext(ctx, `INSERT INTO ride_offers (`+offerColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) RETURNING `+offerColumns,
		offer.ID, offer.RideID, offer.DriverID, offer.OfferedFare, offer.ETAMinutes, offer.Message,
		string(offer.Status), offer.CreatedAt, offer.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.RideOffer{}, domain.Ride{}, domain.Errorf(domain.KindDuplicateOffer, "driver %s already has an offer on ride %s", offer.DriverID, offer.RideID)
		}
		return domain.RideOffer{}, domain.Ride{}, fmt.Errorf("insert offer: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE rides SET status = 'offered', updated_at = $2 WHERE id = $1 AND status = 'requested'`,
		offer.RideID, offer.CreatedAt); err != nil {
		return domain.RideOffer{}, domain.Ride{}, fmt.Errorf("flip ride to offered: %w", err)
	}
	ride, err := scanRide(tx.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, offer.RideID))
	if err != nil {
		return domain.RideOffer{}, domain.Ride{}, fmt.Errorf("reload ride: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.RideOffer{}, domain.Ride{}, fmt.Errorf("commit offer: %w", err)
	}
	return created, ride, nil
}

// GetOfferByID retrieves an offer.
func (p *PostgresRepository) GetOfferByID(ctx context.Context, id uuid.UUID) (domain.RideOffer, error) {
	offer, err := scanOffer(p.db.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM ride_offers WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RideOffer{}, domain.Errorf(domain.KindNotFound, "offer %s not found", id)
	}
	if err != nil {
		return domain.RideOffer{}, fmt.Errorf("select offer: %w", err)
	}
	return offer, nil
}

// ListOffersForRide returns the ride's offers newest first.
func (p *PostgresRepository) ListOffersForRide(ctx context.Context, rideID uuid.UUID) ([]domain.RideOffer, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+offerColumns+` FROM ride_offers WHERE ride_id = $1 ORDER BY created_at DESC`, rideID)
	if err != nil {
		return nil, fmt.Errorf("list offers: %w", err)
	}
	defer rows.Close()
	offers := []domain.RideOffer{}
	for rows.Next() {
		offer, err := scanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan offer: %w", err)
		}
		offers = append(offers, offer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate offers: %w", err)
	}
	return offers, nil
}

// UpdateOfferStatus sets the offer status while it is one of expected.
// Setting the status an offer already has is a no-op.
func (p *PostgresRepository) UpdateOfferStatus(ctx context.Context, id uuid.UUID, expected []domain.OfferStatus, status domain.OfferStatus, at time.Time) (domain.RideOffer, error) {
	args := []any{string(status), at, id}
	query := `UPDATE ride_offers SET status = $1, updated_at = $2 WHERE id = $3`
	if len(expected) > 0 {
		placeholders := make([]string, len(expected))
		for i, s := range expected {
			args = append(args, string(s))
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		query += " AND status IN (" + strings.Join(placeholders, ",") + ")"
	}
	query += " RETURNING " + offerColumns

	offer, err := scanOffer(p.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		current, getErr := p.GetOfferByID(ctx, id)
		if getErr != nil {
			return domain.RideOffer{}, getErr
		}
		if current.Status == status {
			return current, nil
		}
		return domain.RideOffer{}, domain.Errorf(domain.KindConflict, "offer %s is %s", id, current.Status)
	}
	if err != nil {
		return domain.RideOffer{}, fmt.Errorf("update offer: %w", err)
	}
	return offer, nil
}

// AcceptOffer runs the ride update, the winning offer and the sibling
// rejections in one transaction.
func (p *PostgresRepository) AcceptOffer(ctx context.Context, rideID, offerID uuid.UUID, expected []domain.RideStatus, patch domain.RidePatch) (domain.OfferAcceptance, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return domain.OfferAcceptance{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	sets, args := patchAssignments(patch)
	args = append(args, rideID)
	query := "UPDATE rides SET " + strings.Join(sets, ", ") + fmt.Sprintf(" WHERE id = $%d", len(args))
	if len(expected) > 0 {
		placeholders := make([]string, len(expected))
		for i, s := range expected {
			args = append(args, string(s))
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		query += " AND status IN (" + strings.Join(placeholders, ",") + ")"
	}
	query += " RETURNING " + rideColumns

	ride, err := scanRide(tx.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		var status string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM rides WHERE id = $1`, rideID).Scan(&status); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.OfferAcceptance{}, domain.Errorf(domain.KindNotFound, "ride %s not found", rideID)
			}
			return domain.OfferAcceptance{}, fmt.Errorf("reload ride status: %w", err)
		}
		return domain.OfferAcceptance{}, domain.Errorf(domain.KindConflict, "ride %s is %s", rideID, status)
	}
	if err != nil {
		return domain.OfferAcceptance{}, fmt.Errorf("update ride: %w", err)
	}

	offer, err := scanOffer(tx.QueryRowContext(ctx, `UPDATE ride_offers SET status = 'accepted', updated_at = $3 WHERE id = $1 AND ride_id = $2 AND status = 'pending' RETURNING `+offerColumns, offerID, rideID, patch.UpdatedAt))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.OfferAcceptance{}, domain.Errorf(domain.KindConflict, "offer %s is no longer pending", offerID)
	}
	if err != nil {
		return domain.OfferAcceptance{}, fmt.Errorf("accept offer: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `UPDATE ride_offers SET status = 'rejected', updated_at = $3 WHERE ride_id = $1 AND id <> $2 AND status = 'pending' RETURNING `+offerColumns, rideID, offerID, patch.UpdatedAt)
	if err != nil {
		return domain.OfferAcceptance{}, fmt.Errorf("reject sibling offers: %w", err)
	}
	var rejected []domain.RideOffer
	for rows.Next() {
		sibling, err := scanOffer(rows)
		if err != nil {
			rows.Close()
			return domain.OfferAcceptance{}, fmt.Errorf("scan rejected offer: %w", err)
		}
		rejected = append(rejected, sibling)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return domain.OfferAcceptance{}, fmt.Errorf("iterate rejected offers: %w", err)
	}
	rows.Close()

	if err := tx.Commit(); err != nil {
		return domain.OfferAcceptance{}, fmt.Errorf("commit acceptance: %w", err)
	}
	return domain.OfferAcceptance{Ride: ride, Offer: offer, Rejected: rejected}, nil
}

func scanRide(row rowScanner) (domain.Ride, error) {
	var (
		ride                         domain.Ride
		driverID, cancelledBy        uuid.NullUUID
		counter, final               sql.NullFloat64
		bandMin, bandMax, bandAvg    sql.NullFloat64
		status, method, payment      string
		accepted, started, completed sql.NullTime
		cancelled                    sql.NullTime
	)
	err := row.Scan(
		&ride.ID, &ride.RiderID, &driverID,
		&ride.Pickup.Point.Lat, &ride.Pickup.Point.Lng, &ride.Pickup.Address,
		&ride.Dropoff.Point.Lat, &ride.Dropoff.Point.Lng, &ride.Dropoff.Address,
		&ride.DistanceKM, &ride.OfferedFare, &counter, &final,
		&bandMin, &bandMax, &bandAvg, &ride.Notes, &status, &method,
		&payment, &ride.CancellationReason, &cancelledBy, &ride.RequestedAt,
		&accepted, &started, &completed, &cancelled, &ride.UpdatedAt,
	)
	if err != nil {
		return domain.Ride{}, err
	}
	ride.Status = domain.RideStatus(status)
	ride.PaymentMethod = domain.PaymentMethod(method)
	ride.PaymentStatus = domain.PaymentStatus(payment)
	ride.DriverID = uuidPtr(driverID)
	ride.CancelledBy = uuidPtr(cancelledBy)
	ride.CounterFare = floatPtr(counter)
	ride.FinalFare = floatPtr(final)
	if bandMin.Valid && bandMax.Valid {
		ride.SuggestedFare = &domain.FareBand{Min: bandMin.Float64, Max: bandMax.Float64, Average: bandAvg.Float64}
	}
	ride.AcceptedAt = timePtr(accepted)
	ride.StartedAt = timePtr(started)
	ride.CompletedAt = timePtr(completed)
	ride.CancelledAt = timePtr(cancelled)
	return ride, nil
}

func scanOffer(row rowScanner) (domain.RideOffer, error) {
	var (
		offer  domain.RideOffer
		eta    sql.NullInt64
		status string
	)
	if err := row.Scan(&offer.ID, &offer.RideID, &offer.DriverID, &offer.OfferedFare, &eta,
		&offer.Message, &status, &offer.CreatedAt, &offer.UpdatedAt); err != nil {
		return domain.RideOffer{}, err
	}
	offer.Status = domain.OfferStatus(status)
	if eta.Valid {
		minutes := int(eta.Int64)
		offer.ETAMinutes = &minutes
	}
	return offer, nil
}

func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, part := range parts {
		parts[i] = prefix + strings.TrimSpace(part)
	}
	return strings.Join(parts, ", ")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func uuidPtr(v uuid.NullUUID) *uuid.UUID {
	if !v.Valid {
		return nil
	}
	id := v.UUID
	return &id
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
