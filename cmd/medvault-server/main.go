package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/medvault/medvault/internal/config"
	"github.com/medvault/medvault/internal/platform/db"
	"github.com/medvault/medvault/internal/platform/events"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "medvault-server",
		Short: "Document access and notification API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(eventsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			if cfg.StoreDriver == config.StoreDriverSQLite {
				conn, err := db.OpenSQLite(cmd.Context(), cfg.SQLitePath)
				if err != nil {
					return err
				}
				defer conn.Close()
				if err := db.MigrateSQLite(conn); err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Migrated %s successfully.\n", cfg.SQLitePath)
				return nil
			}

			if tenant == "" {
				tenant = cfg.DefaultTenant
			}
			schema := db.SchemaName(tenant)
			fmt.Printf("Running migrations on schema: %s\n", schema)
			if err := db.MigratePostgres(cfg.DatabaseURL, schema); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Println("Migrations applied successfully.")
			return nil
		},
	}
	upCmd.Flags().String("tenant", "", "Tenant whose schema is migrated (defaults to DEFAULT_TENANT)")
	cmd.AddCommand(upCmd)

	// migrate version
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show the current migration version",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.StoreDriver != config.StoreDriverPostgres {
				return fmt.Errorf("migrate version is only supported with STORE_DRIVER=%s", config.StoreDriverPostgres)
			}
			if tenant == "" {
				tenant = cfg.DefaultTenant
			}

			st, err := db.PostgresStatus(cfg.DatabaseURL, db.SchemaName(tenant))
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			fmt.Printf("%-30s %-10s %s\n", "SCHEMA", "VERSION", "DIRTY")
			fmt.Printf("%-30s %-10d %t\n", db.SchemaName(tenant), st.Version, st.Dirty)
			return nil
		},
	}
	versionCmd.Flags().String("tenant", "", "Tenant whose schema is inspected (defaults to DEFAULT_TENANT)")
	cmd.AddCommand(versionCmd)

	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create and migrate a tenant schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.StoreDriver != config.StoreDriverPostgres {
				return fmt.Errorf("tenants require STORE_DRIVER=%s", config.StoreDriverPostgres)
			}

			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, db.PoolOptions{
				DatabaseURL: cfg.DatabaseURL,
				MaxConns:    cfg.DBMaxConns,
				MinConns:    cfg.DBMinConns,
			})
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Creating tenant schema: %s\n", db.SchemaName(name))
			if err := db.CreateTenantSchema(ctx, pool, cfg.DatabaseURL, name); err != nil {
				return err
			}
			fmt.Println("Tenant created successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")

	cmd.AddCommand(createCmd)
	return cmd
}

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Work with the notification event topic",
	}

	publishCmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish one event envelope to the Kafka topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := envelopeFromFlags(cmd)
			if err != nil {
				return err
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if env.TenantID == "" {
				env.TenantID = cfg.DefaultTenant
			}

			pub, err := events.NewPublisher(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
			if err != nil {
				return err
			}
			defer pub.Close()

			if err := pub.Publish(cmd.Context(), env); err != nil {
				return err
			}
			fmt.Printf("Published %s event to %s\n", env.Type, cfg.KafkaEventsTopic)
			return nil
		},
	}
	flags := publishCmd.Flags()
	flags.String("tenant", "", "Tenant the event belongs to (defaults to DEFAULT_TENANT)")
	flags.String("type", "", "Notification type")
	flags.String("title", "", "Notification title")
	flags.String("message", "", "Notification message")
	flags.String("data", "", "JSON payload attached to the notification")
	flags.StringSlice("recipient", nil, "Recipient user ID (repeatable)")
	flags.String("role", "", "Broadcast to every connected user with this role")
	flags.String("channel", "", "Relay to the members of this channel")
	flags.String("sender", "", "Sender excluded from a channel relay")

	cmd.AddCommand(publishCmd)
	return cmd
}

func envelopeFromFlags(cmd *cobra.Command) (events.Envelope, error) {
	flags := cmd.Flags()
	var env events.Envelope
	env.TenantID, _ = flags.GetString("tenant")
	env.Type, _ = flags.GetString("type")
	env.Title, _ = flags.GetString("title")
	env.Message, _ = flags.GetString("message")
	env.Recipients, _ = flags.GetStringSlice("recipient")
	env.Role, _ = flags.GetString("role")
	env.Channel, _ = flags.GetString("channel")
	env.SenderID, _ = flags.GetString("sender")
	if data, _ := flags.GetString("data"); data != "" {
		env.Data = json.RawMessage(data)
	}
	if err := env.Validate(); err != nil {
		return events.Envelope{}, err
	}
	return env, nil
}
