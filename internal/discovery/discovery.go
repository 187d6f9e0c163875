package discovery

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"cruisesync/internal/ftp"
	"cruisesync/internal/models"
)

// ErrUnavailable means the remote store could not be reached at all. A
// missing directory for a given month or ship is not an error.
var ErrUnavailable = errors.New("remote store unavailable")

// Walker lists candidate cruise files on the remote feed.
type Walker struct {
	log zerolog.Logger
	now func() time.Time
}

func NewWalker(log zerolog.Logger) *Walker {
	return &Walker{log: log, now: time.Now}
}

// Discover walks {year}/{month}/{lineID}/{shipID}/*.json for the current
// month plus monthsAhead following months and returns a flat, unordered
// list. The caller caps the list length.
func (w *Walker) Discover(conn ftp.Conn, lineID, monthsAhead int) ([]models.DiscoveredFile, error) {
	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var files []models.DiscoveredFile
	start := w.now()
	for i := 0; i <= monthsAhead; i++ {
		month := start.AddDate(0, i, 0)
		// The feed has used both zero-padded and plain month directories.
		dir := fmt.Sprintf("/%d/%02d/%d", month.Year(), int(month.Month()), lineID)
		ships, err := conn.List(dir)
		if err != nil {
			dir = fmt.Sprintf("/%d/%d/%d", month.Year(), int(month.Month()), lineID)
			ships, err = conn.List(dir)
		}
		if err != nil {
			// No data published for this month; keep walking.
			w.log.Debug().Str("dir", dir).Err(err).Msg("month listing empty")
			continue
		}
		for _, ship := range ships {
			if !ship.Dir {
				continue
			}
			shipID, err := strconv.Atoi(ship.Name)
			if err != nil {
				continue
			}
			shipDir := dir + "/" + ship.Name
			entries, err := conn.List(shipDir)
			if err != nil {
				w.log.Debug().Str("dir", shipDir).Err(err).Msg("ship listing empty")
				continue
			}
			for _, e := range entries {
				if e.Dir || !strings.HasSuffix(e.Name, ".json") {
					continue
				}
				files = append(files, models.DiscoveredFile{
					Path:     shipDir + "/" + e.Name,
					LineID:   lineID,
					ShipID:   shipID,
					CruiseID: strings.TrimSuffix(e.Name, ".json"),
					Size:     e.Size,
				})
			}
		}
	}
	return files, nil
}
