package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"renderfarm/internal/adapters/storage/gdrive"
	"renderfarm/internal/adapters/storage/localfs"
	"renderfarm/internal/adapters/storage/s3"
	"renderfarm/internal/util"
)

// Config selects and configures the artifact store.
type Config struct {
	Provider string

	LocalRoot string

	GDriveClientID     string
	GDriveClientSecret string
	GDriveRefreshToken string
	GDriveFolderID     string

	S3Bucket       string
	S3Prefix       string
	S3Region       string
	S3Endpoint     string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool
}

// ConfigFromEnv reads STORAGE_*, GDRIVE_* and S3_* variables.
func ConfigFromEnv() Config {
	return Config{
		Provider:           util.Env("STORAGE_PROVIDER", "localfs"),
		LocalRoot:          util.Env("STORAGE_LOCAL_ROOT", "/data/artifacts"),
		GDriveClientID:     util.Env("GDRIVE_CLIENT_ID", ""),
		GDriveClientSecret: util.Env("GDRIVE_CLIENT_SECRET", ""),
		GDriveRefreshToken: util.Env("GDRIVE_REFRESH_TOKEN", ""),
		GDriveFolderID:     util.Env("GDRIVE_FOLDER_ID", ""),
		S3Bucket:           util.Env("S3_BUCKET", ""),
		S3Prefix:           util.Env("S3_PREFIX", ""),
		S3Region:           util.Env("S3_REGION", "us-east-1"),
		S3Endpoint:         util.Env("S3_ENDPOINT", ""),
		S3AccessKey:        util.Env("S3_ACCESS_KEY_ID", ""),
		S3SecretKey:        util.Env("S3_SECRET_ACCESS_KEY", ""),
		S3UsePathStyle:     util.BoolEnv("S3_USE_PATH_STYLE", false),
	}
}

// Env renders the configuration back into the variables ConfigFromEnv
// reads, so it can be handed to rented nodes.
func (c Config) Env() map[string]string {
	env := map[string]string{"STORAGE_PROVIDER": c.Provider}
	set := func(k, v string) {
		if v != "" {
			env[k] = v
		}
	}
	switch c.Provider {
	case "localfs":
		set("STORAGE_LOCAL_ROOT", c.LocalRoot)
	case "gdrive":
		set("GDRIVE_CLIENT_ID", c.GDriveClientID)
		set("GDRIVE_CLIENT_SECRET", c.GDriveClientSecret)
		set("GDRIVE_REFRESH_TOKEN", c.GDriveRefreshToken)
		set("GDRIVE_FOLDER_ID", c.GDriveFolderID)
	case "s3":
		set("S3_BUCKET", c.S3Bucket)
		set("S3_PREFIX", c.S3Prefix)
		set("S3_REGION", c.S3Region)
		set("S3_ENDPOINT", c.S3Endpoint)
		set("S3_ACCESS_KEY_ID", c.S3AccessKey)
		set("S3_SECRET_ACCESS_KEY", c.S3SecretKey)
		if c.S3UsePathStyle {
			env["S3_USE_PATH_STYLE"] = "true"
		}
	}
	return env
}

// NewProvider builds the configured artifact store.
func NewProvider(ctx context.Context, cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "", "localfs":
		if cfg.LocalRoot == "" {
			return nil, fmt.Errorf("missing env: STORAGE_LOCAL_ROOT")
		}
		return localfs.New(cfg.LocalRoot), nil

	case "gdrive":
		return newGDriveProvider(ctx, cfg)

	case "s3":
		return newS3Provider(ctx, cfg)

	default:
		return nil, fmt.Errorf("unknown storage provider: %s", cfg.Provider)
	}
}

// GDriveOAuthConfig is the OAuth client used both for uploads and for
// minting the refresh token.
func GDriveOAuthConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{drive.DriveFileScope},
		RedirectURL:  redirectURL,
	}
}

func newGDriveProvider(ctx context.Context, cfg Config) (Provider, error) {
	if err := required(map[string]string{
		"GDRIVE_CLIENT_ID":     cfg.GDriveClientID,
		"GDRIVE_CLIENT_SECRET": cfg.GDriveClientSecret,
		"GDRIVE_REFRESH_TOKEN": cfg.GDriveRefreshToken,
	}); err != nil {
		return nil, err
	}

	conf := GDriveOAuthConfig(cfg.GDriveClientID, cfg.GDriveClientSecret, "")
	tok := &oauth2.Token{RefreshToken: cfg.GDriveRefreshToken}
	httpClient := conf.Client(ctx, tok)

	srv, err := drive.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, err
	}

	return gdrive.NewClient(srv, cfg.GDriveFolderID), nil
}

func newS3Provider(ctx context.Context, cfg Config) (Provider, error) {
	if err := required(map[string]string{"S3_BUCKET": cfg.S3Bucket}); err != nil {
		return nil, err
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.S3Region),
		func(o *awsconfig.LoadOptions) error {
			if cfg.S3AccessKey == "" && cfg.S3SecretKey == "" {
				// Default chain: env, shared config, instance role.
				return nil
			}
			o.Credentials = credentials.StaticCredentialsProvider{
				Value: aws.Credentials{
					AccessKeyID:     cfg.S3AccessKey,
					SecretAccessKey: cfg.S3SecretKey,
					Source:          "renderfarm configuration",
				},
			}
			return nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("error loading aws client config: %w", err)
	}

	svc := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3UsePathStyle
	})
	return s3.New(svc, cfg.S3Bucket, cfg.S3Prefix), nil
}

func required(vals map[string]string) error {
	var missing []string
	for k, v := range vals {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("missing env: %s", strings.Join(missing, ", "))
	}
	return nil
}
