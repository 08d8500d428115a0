package parser

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/jsonc"

	"slamcar-console/internal/models"
)

// Parser handles parsing of operator input scripts
type Parser struct {
	format string
	logger zerolog.Logger
}

// NewParser creates a new parser with the specified format
func NewParser(format string, logger zerolog.Logger) *Parser {
	return &Parser{format: format, logger: logger}
}

// FormatFromPath guesses the script format from a file extension
func FormatFromPath(path string) string {
	switch {
	case strings.HasSuffix(path, ".csv"):
		return "csv"
	case strings.HasSuffix(path, ".json"), strings.HasSuffix(path, ".jsonc"), strings.HasSuffix(path, ".ndjson"), strings.HasSuffix(path, ".jsonl"):
		return "json"
	default:
		return "log"
	}
}

// ParseFile parses an input script file
func (p *Parser) ParseFile(filename string) ([]models.InputStep, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	return p.Parse(file)
}

// Parse parses a script and returns its steps ordered by start time
func (p *Parser) Parse(r io.Reader) ([]models.InputStep, error) {
	var steps []models.InputStep
	var err error

	switch strings.ToLower(p.format) {
	case "csv":
		steps, err = p.parseCSV(r)
	case "json":
		steps, err = p.parseJSON(r)
	case "log":
		steps, err = p.parseLog(r)
	default:
		return nil, fmt.Errorf("unsupported format: %s", p.format)
	}
	if err != nil {
		return steps, err
	}

	sort.SliceStable(steps, func(i, j int) bool { return steps[i].At < steps[j].At })
	return steps, nil
}

// parseCSV parses scripts with an at,steer,throttle header
func (p *Parser) parseCSV(r io.Reader) ([]models.InputStep, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.Comment = '#'

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	indices := make(map[string]int)
	for i, h := range header {
		indices[strings.ToLower(strings.TrimSpace(h))] = i
	}
	if _, ok := indices["at"]; !ok {
		return nil, errors.New("header is missing the at column")
	}

	var results []models.InputStep
	lineNum := 1

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return results, fmt.Errorf("error at line %d: %w", lineNum, err)
		}
		lineNum++

		step, err := recordToStep(record, indices)
		if err != nil {
			p.logger.Warn().Int("line", lineNum).Err(err).Msg("skipping script line")
			continue
		}
		results = append(results, step)
	}

	return results, nil
}

// recordToStep converts a CSV record to an InputStep
func recordToStep(record []string, indices map[string]int) (models.InputStep, error) {
	var s models.InputStep
	var err error

	getValue := func(key string) string {
		if idx, ok := indices[key]; ok && idx < len(record) {
			return strings.TrimSpace(record[idx])
		}
		return ""
	}

	if s.At, err = parseAt(getValue("at")); err != nil {
		return s, err
	}
	if s.Steer, err = parseValue(getValue("steer")); err != nil {
		return s, fmt.Errorf("invalid steer: %w", err)
	}
	if s.Throttle, err = parseValue(getValue("throttle")); err != nil {
		return s, fmt.Errorf("invalid throttle: %w", err)
	}
	return s, nil
}

// jsonStep accepts at as a duration string or as seconds
type jsonStep struct {
	At       any     `json:"at"`
	Steer    float64 `json:"steer"`
	Throttle float64 `json:"throttle"`
}

func (j jsonStep) toStep() (models.InputStep, error) {
	s := models.InputStep{Steer: j.Steer, Throttle: j.Throttle}
	switch v := j.At.(type) {
	case float64:
		s.At = seconds(v)
	case string:
		at, err := parseAt(v)
		if err != nil {
			return s, err
		}
		s.At = at
	case nil:
		return s, errors.New("missing at")
	default:
		return s, fmt.Errorf("invalid at %v", v)
	}
	if s.At < 0 {
		return s, fmt.Errorf("negative at %v", s.At)
	}
	return s, nil
}

// parseJSON parses a JSON array or newline-delimited JSON. Comments and
// trailing commas are allowed.
func (p *Parser) parseJSON(r io.Reader) ([]models.InputStep, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	data = jsonc.ToJSON(data)

	var raw []jsonStep
	if err := json.Unmarshal(data, &raw); err == nil {
		results := make([]models.InputStep, 0, len(raw))
		for i, j := range raw {
			s, err := j.toStep()
			if err != nil {
				p.logger.Warn().Int("index", i).Err(err).Msg("skipping script step")
				continue
			}
			results = append(results, s)
		}
		return results, nil
	}

	return p.parseJSONLines(bytes.NewReader(data))
}

// parseJSONLines parses newline-delimited JSON
func (p *Parser) parseJSONLines(r io.Reader) ([]models.InputStep, error) {
	var results []models.InputStep
	scanner := bufio.NewScanner(r)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line == "[" || line == "]" {
			continue
		}

		line = strings.TrimSuffix(line, ",")

		var j jsonStep
		if err := json.Unmarshal([]byte(line), &j); err != nil {
			p.logger.Warn().Int("line", lineNum).Err(err).Msg("skipping script line")
			continue
		}
		s, err := j.toStep()
		if err != nil {
			p.logger.Warn().Int("line", lineNum).Err(err).Msg("skipping script line")
			continue
		}
		results = append(results, s)
	}

	return results, scanner.Err()
}

// parseLog parses the compact format: at|steer|throttle
func (p *Parser) parseLog(r io.Reader) ([]models.InputStep, error) {
	var results []models.InputStep
	scanner := bufio.NewScanner(r)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.Split(line, "|")
		if len(parts) < 3 {
			p.logger.Warn().Int("line", lineNum).Msg("insufficient fields")
			continue
		}

		var s models.InputStep
		var err error
		if s.At, err = parseAt(parts[0]); err != nil {
			p.logger.Warn().Int("line", lineNum).Err(err).Msg("invalid at")
			continue
		}
		if s.Steer, err = parseValue(parts[1]); err != nil {
			p.logger.Warn().Int("line", lineNum).Err(err).Msg("invalid steer")
			continue
		}
		if s.Throttle, err = parseValue(parts[2]); err != nil {
			p.logger.Warn().Int("line", lineNum).Err(err).Msg("invalid throttle")
			continue
		}

		results = append(results, s)
	}

	return results, scanner.Err()
}

// parseAt accepts Go durations ("1.5s", "200ms") or plain seconds ("1.5")
func parseAt(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("missing at")
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d < 0 {
			return 0, fmt.Errorf("negative at %s", s)
		}
		return d, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("unable to parse at: %s", s)
	}
	if f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("invalid at: %s", s)
	}
	return seconds(f), nil
}

// parseValue parses an input value; empty means released
func parseValue(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

// ValidateStep validates an input step
func ValidateStep(s *models.InputStep) []string {
	var errors []string

	if s.At < 0 {
		errors = append(errors, "at cannot be negative")
	}
	if math.IsNaN(s.Steer) || s.Steer < -1 || s.Steer > 1 {
		errors = append(errors, "steer must be between -1 and 1")
	}
	if math.IsNaN(s.Throttle) || s.Throttle < -1 || s.Throttle > 1 {
		errors = append(errors, "throttle must be between -1 and 1")
	}

	return errors
}
