package cli

import (
	"fmt"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"courier/internal/config"
)

// NewAuthCmd creates the auth command group.
func NewAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage the Telegram bot credentials",
	}

	cmd.AddCommand(newAuthLoginCmd())
	cmd.AddCommand(newAuthLogoutCmd())
	cmd.AddCommand(newAuthStatusCmd())

	return cmd
}

func newAuthLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store the bot token and operator ID",
		Long:  `Store the Telegram bot token (from BotFather) and the authorized operator's user ID.`,
		RunE:  runAuthLogin,
	}
	cmd.Flags().String("token", "", "bot token (prompted securely when omitted)")
	cmd.Flags().Int64("user-id", 0, "authorized operator user ID")
	return cmd
}

func newAuthLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored bot token",
		RunE:  runAuthLogout,
	}
}

func newAuthStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether credentials are configured",
		RunE:  runAuthStatus,
	}
}

func runAuthLogin(cmd *cobra.Command, args []string) error {
	cliCtx := GetCLIContext(cmd)
	if cliCtx == nil {
		return fmt.Errorf("CLI context not initialized")
	}
	cfg := cliCtx.Config

	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		fmt.Println("Telegram Bot Setup")
		fmt.Println("------------------")
		fmt.Println("")
		fmt.Println("Create a bot with @BotFather and paste its token here.")
		fmt.Print("Enter the bot token: ")

		tokenBytes, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
		token = strings.TrimSpace(string(tokenBytes))
		fmt.Println()
	}
	if token == "" {
		return fmt.Errorf("token cannot be empty")
	}

	userID, _ := cmd.Flags().GetInt64("user-id")
	if userID == 0 {
		fmt.Print("Authorized operator user ID (empty to set later via /start): ")
		var raw string
		fmt.Scanln(&raw)
		if raw != "" {
			parsed, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
			if err != nil {
				return fmt.Errorf("invalid user ID %q", raw)
			}
			userID = parsed
		}
	}

	cfg.Telegram.Token = token
	if userID != 0 {
		cfg.Telegram.AuthorizedUserID = userID
	}

	configPath := cliCtx.ConfigPath
	if configPath == "" {
		var err error
		configPath, err = config.DefaultConfigPath()
		if err != nil {
			return fmt.Errorf("determine config path: %w", err)
		}
	}
	if err := config.SaveTo(cfg, configPath); err != nil {
		return fmt.Errorf("save configuration: %w", err)
	}

	fmt.Println("")
	fmt.Printf("Credentials saved to %s\n", configPath)
	if userID == 0 {
		fmt.Println("Send /start to the bot to learn your user ID, then set telegram.authorized_user_id.")
	}
	fmt.Println("Start the bot with: courier serve")
	return nil
}

func runAuthLogout(cmd *cobra.Command, args []string) error {
	cliCtx := GetCLIContext(cmd)
	if cliCtx == nil {
		return fmt.Errorf("CLI context not initialized")
	}
	cfg := cliCtx.Config

	if cfg.Telegram.Token == "" {
		fmt.Println("No bot token configured.")
		return nil
	}
	cfg.Telegram.Token = ""

	configPath := cliCtx.ConfigPath
	if configPath == "" {
		var err error
		configPath, err = config.DefaultConfigPath()
		if err != nil {
			return fmt.Errorf("determine config path: %w", err)
		}
	}
	if err := config.SaveTo(cfg, configPath); err != nil {
		return fmt.Errorf("save configuration: %w", err)
	}

	fmt.Println("Bot token removed.")
	return nil
}

func runAuthStatus(cmd *cobra.Command, args []string) error {
	cliCtx := GetCLIContext(cmd)
	if cliCtx == nil {
		return fmt.Errorf("CLI context not initialized")
	}
	cfg := cliCtx.Config

	switch {
	case cfg.Telegram.Token == "":
		fmt.Println("Bot token: not configured")
	case cfg.Telegram.Token == config.PlaceholderToken:
		fmt.Println("Bot token: placeholder (run `courier auth login`)")
	default:
		fmt.Println("Bot token: configured")
	}

	if cfg.Telegram.AuthorizedUserID == 0 {
		fmt.Println("Operator: not configured (send /start to the bot to learn your ID)")
	} else {
		fmt.Printf("Operator: %d\n", cfg.Telegram.AuthorizedUserID)
	}
	return nil
}
