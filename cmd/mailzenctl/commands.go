package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"mailzen/backend/internal/app"
	jwtpkg "mailzen/backend/internal/auth/jwt"
	"mailzen/backend/internal/config"
	"mailzen/backend/internal/domain"
	"mailzen/backend/internal/service"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the relational schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadRuntime(cmd, app.Options{SkipMigrate: true})
			if err != nil {
				return err
			}
			defer closeRuntime(a)

			migrator, ok := a.Store.(interface{ Migrate() error })
			if !ok || a.Config.Database.Type == "" {
				return errors.New("migrate requires MAILZEN_DATABASE_TYPE and MAILZEN_DATABASE_DSN")
			}
			if err := migrator.Migrate(); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema migrated (%s)\n", a.Config.Database.Type)
			return nil
		},
	}
}

func newSyncCmd() *cobra.Command {
	var userID, mailboxID string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Poll all active mailboxes once, or a single mailbox with --mailbox",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadRuntime(cmd, app.Options{})
			if err != nil {
				return err
			}
			defer closeRuntime(a)

			if mailboxID != "" {
				if userID == "" {
					return errors.New("--user is required with --mailbox")
				}
				outcome, err := a.Sync.PollMailboxByID(cmd.Context(), userID, mailboxID, domain.TriggerManual)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), outcome)
			}

			summary, err := a.Sync.PollActiveMailboxes(cmd.Context(), service.PollOptions{TriggerSource: domain.TriggerManual})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), summary)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "owner user id of the mailbox")
	cmd.Flags().StringVar(&mailboxID, "mailbox", "", "poll only this mailbox id")
	return cmd
}

func newIncidentsCmd() *cobra.Command {
	var alertDomain, previewUser string

	cmd := &cobra.Command{
		Use:   "incidents",
		Short: "Run one incident evaluation pass, or preview a single user with --preview",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadRuntime(cmd, app.Options{})
			if err != nil {
				return err
			}
			defer closeRuntime(a)

			monitors := a.Monitors()
			if alertDomain != "all" {
				selected := selectMonitor(monitors, alertDomain)
				if selected == nil {
					return fmt.Errorf("unknown alert domain %q (sync, inbound-sla, all)", alertDomain)
				}
				monitors = []*service.IncidentMonitor{selected}
			}

			if previewUser != "" {
				checks := make([]*service.IncidentCheck, 0, len(monitors))
				for _, m := range monitors {
					check, err := m.PreviewIncidentCheck(cmd.Context(), previewUser)
					if err != nil {
						return err
					}
					checks = append(checks, check)
				}
				return printJSON(cmd.OutOrStdout(), checks)
			}

			summaries := make([]*service.EvaluationSummary, 0, len(monitors))
			for _, m := range monitors {
				summary, err := m.EvaluateIncidents(cmd.Context())
				if err != nil {
					return fmt.Errorf("%s: %w", m.Domain(), err)
				}
				summaries = append(summaries, summary)
			}
			return printJSON(cmd.OutOrStdout(), summaries)
		},
	}
	cmd.Flags().StringVar(&alertDomain, "domain", "all", "alert domain: sync, inbound-sla or all")
	cmd.Flags().StringVar(&previewUser, "preview", "", "preview the check for this user id without publishing")
	return cmd
}

// selectMonitor 按简写或原始类别名查找告警评估器
func selectMonitor(monitors []*service.IncidentMonitor, name string) *service.IncidentMonitor {
	var want domain.AlertDomain
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sync":
		want = domain.AlertDomainSyncIncident
	case "inbound-sla":
		want = domain.AlertDomainInboundSLA
	default:
		want = domain.AlertDomain(strings.ToUpper(strings.TrimSpace(name)))
	}
	for _, m := range monitors {
		if m.Domain() == want {
			return m
		}
	}
	return nil
}

func newPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete sync runs and inbound events older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadRuntime(cmd, app.Options{})
			if err != nil {
				return err
			}
			defer closeRuntime(a)

			result, err := a.Retention.Purge(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
}

func newSignCmd() *cobra.Command {
	var key, payloadFile string
	var timestamp int64

	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Print signature headers for an inbound webhook payload",
		Long:  "Reads the JSON payload from --file (or stdin) and prints the timestamp and signature headers the inbound webhook expects.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if key == "" {
				cfg, err := config.Load()
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				key = cfg.Inbound.SigningKey
			}
			if key == "" {
				return errors.New("signing key is required (--key or MAILZEN_INBOUND_SIGNING_KEY)")
			}

			var in io.Reader = cmd.InOrStdin()
			if payloadFile != "" && payloadFile != "-" {
				f, err := os.Open(payloadFile)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			var input service.InboundMessageInput
			if err := json.NewDecoder(in).Decode(&input); err != nil {
				return fmt.Errorf("decode payload: %w", err)
			}

			if timestamp <= 0 {
				timestamp = time.Now().UnixMilli()
			}
			signature := service.SignInboundPayload(key, timestamp, input)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: %s\n", service.HeaderInboundTimestamp, strconv.FormatInt(timestamp, 10))
			fmt.Fprintf(out, "%s: %s\n", service.HeaderInboundSignature, signature)
			return nil
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "HMAC signing key (defaults to MAILZEN_INBOUND_SIGNING_KEY)")
	cmd.Flags().StringVarP(&payloadFile, "file", "f", "", "payload JSON file, - or empty for stdin")
	cmd.Flags().Int64Var(&timestamp, "timestamp", 0, "unix milliseconds to sign (defaults to now)")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var userID, role, secret, issuer string
	var expiry time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an operator JWT for the /v1 operator routes",
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				cfg, err := config.Load()
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				secret = cfg.JWT.Secret
				if issuer == "" {
					issuer = cfg.JWT.Issuer
				}
				if expiry <= 0 {
					expiry = cfg.JWT.AccessExpiry
				}
			}
			if len(secret) < 32 {
				return errors.New("JWT secret must be at least 32 characters (--secret or MAILZEN_JWT_SECRET)")
			}
			if issuer == "" {
				issuer = "mailzen"
			}

			manager := jwtpkg.NewManager(secret, issuer, expiry)
			token, expiresAt, err := manager.GenerateToken(userID, role)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"token":     token,
				"userId":    userID,
				"expiresAt": expiresAt,
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id placed in the token subject")
	cmd.Flags().StringVar(&role, "role", jwtpkg.RoleOperator, "token role (operator or service)")
	cmd.Flags().StringVar(&secret, "secret", "", "JWT secret (defaults to MAILZEN_JWT_SECRET)")
	cmd.Flags().StringVar(&issuer, "issuer", "", "JWT issuer (defaults to MAILZEN_JWT_ISSUER)")
	cmd.Flags().DurationVar(&expiry, "expiry", 0, "token lifetime (defaults to MAILZEN_JWT_ACCESS_EXPIRY)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
