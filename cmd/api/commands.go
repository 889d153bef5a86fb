package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/yourusername/authsite/internal/config"
	"github.com/yourusername/authsite/internal/forms"
	"github.com/yourusername/authsite/internal/storage"
	"github.com/yourusername/authsite/internal/users"
)

const shutdownTimeout = 10 * time.Second

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "authsite",
		Short:         "ユーザー登録・ログイン機能を持つ Web サーバー",
		SilenceUsage:  true,
		SilenceErrors: true,
		// サブコマンド省略時はサーバーを起動する
		RunE: runServe,
	}
	root.AddCommand(newServeCmd(), newMigrateCmd(), newCreateUserCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "HTTP サーバーを起動します",
		RunE:  runServe,
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "データベースのマイグレーションを適用します",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			_, err = migrateDatabase(cmd.Context(), cfg.DatabasePath, logger)
			return err
		},
	}
}

// migrateDatabase はマイグレーションを適用し、登録済みユーザー数を返します。
func migrateDatabase(ctx context.Context, path string, logger *zap.Logger) (int, error) {
	// Open がマイグレーションまで行う
	store, err := storage.Open(path)
	if err != nil {
		return 0, err
	}
	defer store.Close()

	count, err := store.CountUsers(ctx)
	if err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	logger.Info("migrations applied", zap.String("database", path), zap.Int("users", count))
	return count, nil
}

func newCreateUserCmd() *cobra.Command {
	var (
		username string
		email    string
		password string
		staff    bool
	)
	cmd := &cobra.Command{
		Use:   "createuser",
		Short: "ユーザーを作成します",
		Long: `登録フォームと同じ検証を行ったうえでユーザーを作成します。

パスワードは --password か環境変数 AUTHSITE_PASSWORD で指定してください。`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = os.Getenv("AUTHSITE_PASSWORD")
			}

			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			store, err := storage.Open(cfg.DatabasePath)
			if err != nil {
				return err
			}
			defer store.Close()

			user, err := createUser(cmd.Context(), store, username, email, password, staff)
			if err != nil {
				return err
			}
			logger.Info("user created",
				zap.String("user_id", user.ID),
				zap.String("username", user.Username),
				zap.Bool("staff", user.IsStaff),
			)
			fmt.Fprintf(cmd.OutOrStdout(), "created user %s (%s)\n", user.Username, user.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "ユーザー名")
	cmd.Flags().StringVar(&email, "email", "", "メールアドレス")
	cmd.Flags().StringVar(&password, "password", "", "パスワード")
	cmd.Flags().BoolVar(&staff, "staff", false, "スタッフ権限を付与する")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

// createUser は登録フォームの検証を通してからユーザーを保存します。
func createUser(ctx context.Context, store *storage.Store, username, email, password string, staff bool) (*users.User, error) {
	form, err := forms.NewRegistrationForm(url.Values{
		"username":  {username},
		"email":     {email},
		"password1": {password},
		"password2": {password},
	})
	if err != nil {
		return nil, err
	}
	ok, err := form.Validate(ctx, store)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, formError(form.Errors)
	}

	user, err := users.NewUser(users.CreateInput{
		Username: form.Username,
		Email:    form.Email,
		Password: form.Password1,
	}, nil, nil)
	if err != nil {
		return nil, err
	}
	user.IsStaff = staff
	if err := store.Create(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

func formError(errs forms.FieldErrors) error {
	fields := make([]string, 0, len(errs))
	for field := range errs {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	var joined []error
	for _, field := range fields {
		for _, msg := range errs[field] {
			joined = append(joined, fmt.Errorf("%s: %s", field, msg))
		}
	}
	return errors.Join(joined...)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	gin.SetMode(cfg.GinMode)

	store, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	security, err := setupSecurity(cfg, logger)
	if err != nil {
		return err
	}
	defer security.Close()

	router := setupRouter(cfg, logger, store, security)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", zap.String("addr", srv.Addr), zap.String("mode", cfg.GinMode))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// bootstrap は設定とロガーを用意します。
func bootstrap() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := newLogger(cfg.LogLevel, cfg.IsRelease())
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newLogger(level string, release bool) (*zap.Logger, error) {
	zcfg := zap.NewDevelopmentConfig()
	if release {
		zcfg = zap.NewProductionConfig()
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", level, err)
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}
