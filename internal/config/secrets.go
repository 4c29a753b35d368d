package config

import "log/slog"

const redacted = "***"

// RedactedConfig returns a copy of cfg with every credential replaced by
// "***". Slices are copied so the result can be modified freely.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	for _, s := range []*string{
		&out.Custody.PrivateKey,
		&out.Custody.KeyPassword,
		&out.Venue.APIKey,
		&out.Postgres.DSN,
		&out.Postgres.Password,
		&out.Redis.Password,
		&out.S3.AccessKey,
		&out.S3.SecretKey,
		&out.Server.APIKey,
		&out.Server.WebhookSecret,
		&out.Notify.EmailAPIKey,
		&out.Notify.TelegramToken,
		&out.Notify.DiscordWebhookURL,
	} {
		if *s != "" {
			*s = redacted
		}
	}

	out.Notify.Events = append([]string(nil), cfg.Notify.Events...)
	out.Server.CORSOrigins = append([]string(nil), cfg.Server.CORSOrigins...)
	return out
}

// plainConfig has Config's fields without its LogValue method.
type plainConfig Config

// LogValue makes slog render the configuration with credentials redacted.
func (c *Config) LogValue() slog.Value {
	return slog.AnyValue(plainConfig(RedactedConfig(c)))
}
