package pkg

import (
	"github.com/rs/zerolog/log"

	"ufnet/pkg/io"
)

// maxReportedDataErrors caps the per-line log output for badly damaged files.
const maxReportedDataErrors = 20

func printDataErrors(errors []io.DataError) {
	for i, err := range errors {
		if i == maxReportedDataErrors {
			log.Error().Int("Remaining", len(errors)-i).Msg("More data errors omitted")
			return
		}
		log.Error().Msgf("Error parsing data at line %d: %s", err.Line, err.Error)
	}
}
