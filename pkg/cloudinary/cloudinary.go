package cloudinary

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
	"github.com/rs/zerolog"
)

// Config contains credentials required to talk to Cloudinary.
type Config struct {
	CloudName string
	APIKey    string
	APISecret string
	Folder    string
}

// Service stores answer scripts in Cloudinary as raw assets so PDFs are
// served byte for byte to the grading oracle.
type Service struct {
	client *cloudinary.Cloudinary
	folder string
	logger zerolog.Logger
	now    func() time.Time
}

// New constructs a Cloudinary service instance.
func New(cfg Config, logger zerolog.Logger) (*Service, error) {
	if cfg.CloudName == "" || cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("cloudinary credentials must be provided")
	}

	cld, err := cloudinary.NewFromParams(cfg.CloudName, cfg.APIKey, cfg.APISecret)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cloudinary: %w", err)
	}

	return &Service{
		client: cld,
		folder: cfg.Folder,
		logger: logger.With().Str("component", "cloudinary").Logger(),
		now:    time.Now,
	}, nil
}

// Upload sends the script to Cloudinary and returns its secure URL. The name
// may carry a relative path (for example "evaluation-3/student-12.pdf").
func (s *Service) Upload(ctx context.Context, name string, reader io.Reader) (string, error) {
	folder, publicID := splitObjectName(strings.Trim(s.folder, "/"), name, s.now())

	overwrite := true
	params := uploader.UploadParams{
		Folder:       folder,
		PublicID:     publicID,
		ResourceType: "raw",
		Overwrite:    &overwrite,
	}

	result, err := s.client.Upload.Upload(ctx, reader, params)
	if err != nil {
		return "", fmt.Errorf("failed to upload script: %w", err)
	}
	if result.Error.Message != "" {
		return "", fmt.Errorf("cloudinary rejected script: %s", result.Error.Message)
	}

	s.logger.Info().Str("public_id", result.PublicID).Int("bytes", result.Bytes).Msg("script uploaded to cloudinary")

	return result.SecureURL, nil
}

func splitObjectName(base, name string, at time.Time) (string, string) {
	dir := strings.Trim(filepath.ToSlash(filepath.Dir(name)), "./")
	folder := base
	if dir != "" {
		folder = strings.Trim(base+"/"+dir, "/")
	}
	return folder, buildPublicID(filepath.Base(name), at)
}

func buildPublicID(name string, at time.Time) string {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	base = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '-'
	}, base)

	base = strings.Trim(base, "-")
	if base == "" {
		base = "script"
	}

	// raw assets keep their extension in the public id
	return fmt.Sprintf("%s-%d%s", base, at.Unix(), strings.ToLower(ext))
}
