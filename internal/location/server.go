package location

import (
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/ridebid/internal/ride/domain"
)

// Server implements the LocationServer interface.
type Server struct {
	tracker *Tracker
	logger  *zap.Logger
}

// NewServer constructs a server.
func NewServer(tracker *Tracker, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{tracker: tracker, logger: logger.Named("location.grpc")}
}

// StreamLocation ingests driver locations until the client closes the stream.
func (s *Server) StreamLocation(stream Location_StreamLocationServer) error {
	var ack Ack
	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return stream.SendAndClose(&ack)
		}
		if err != nil {
			return err
		}
		driverID, err := uuid.Parse(msg.DriverId)
		if err != nil {
			ack.Rejected++
			continue
		}
		update := Update{
			DriverID: driverID,
			Point:    domain.GeoPoint{Lat: msg.Lat, Lng: msg.Lng},
			Speed:    msg.Speed,
			Accuracy: msg.Accuracy,
		}
		if msg.Ts > 0 {
			update.At = time.Unix(msg.Ts, 0).UTC()
		}
		if err := s.tracker.Update(stream.Context(), update); err != nil {
			s.logger.Debug("location rejected", zap.Error(err), zap.String("driver_id", msg.DriverId))
			ack.Rejected++
			continue
		}
		ack.Accepted++
	}
}
