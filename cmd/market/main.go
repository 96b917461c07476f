package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/federated-storage/marketplace/internal/client"
	"github.com/federated-storage/marketplace/internal/config"
	"github.com/federated-storage/marketplace/internal/models"
	"github.com/federated-storage/marketplace/internal/services"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "market",
		Short: "Federated file marketplace client",
		Long: `market talks to a market daemon: it uploads and registers files,
manages their providers and looks up published files by hash.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/market/market.toml)")

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(filesCmd())
	rootCmd.AddCommand(providersCmd())
	rootCmd.AddCommand(findCmd())
	rootCmd.AddCommand(selectCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "market.toml"
	}
	return filepath.Join(dir, "market", "market.toml")
}

func loadCLIConfig() *config.CLIConfig {
	cfg, err := config.LoadCLI(configPath())
	if err != nil {
		return config.DefaultCLIConfig()
	}
	return cfg
}

func newClient() (*client.Client, *config.CLIConfig) {
	cfg := loadCLIConfig()
	return client.New(cfg.RegistryURL, time.Duration(cfg.Timeout)*time.Second), cfg
}

// explain adds the retry hint to errors the daemon reports as stored but not registered
func explain(err error) error {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) && errors.Is(err, models.ErrStoredNotRegistered) && apiErr.Hash != "" {
		return fmt.Errorf("%w\nretry with: market files register %s --name <name>", err, apiErr.Hash)
	}
	return err
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the client configuration",
		Long:  `Write a configuration file pointing the client at a market daemon.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			registryURL, _ := cmd.Flags().GetString("registry-url")
			peerID, _ := cmd.Flags().GetString("peer-id")
			timeout, _ := cmd.Flags().GetInt("timeout")

			cfg := loadCLIConfig()
			if registryURL != "" {
				cfg.RegistryURL = registryURL
			}
			if peerID != "" {
				cfg.PeerID = peerID
			}
			if timeout > 0 {
				cfg.Timeout = timeout
			}

			path := configPath()
			if err := cfg.Save(path); err != nil {
				return err
			}

			fmt.Printf("Configuration saved to %s\n", path)
			fmt.Printf("  Registry: %s\n", cfg.RegistryURL)
			if cfg.PeerID != "" {
				fmt.Printf("  Peer ID:  %s\n", cfg.PeerID)
			}
			return nil
		},
	}

	cmd.Flags().String("registry-url", "", "URL of the market daemon")
	cmd.Flags().String("peer-id", "", "peer ID used as requester and default provider")
	cmd.Flags().Int("timeout", 0, "request timeout in seconds")

	return cmd
}

func filesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "files",
		Short: "Manage registered files",
	}

	uploadCmd := &cobra.Command{
		Use:   "upload <path>",
		Short: "Upload, hash and register a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fileType, _ := cmd.Flags().GetString("type")
			description, _ := cmd.Flags().GetString("description")
			fee, _ := cmd.Flags().GetFloat64("fee")

			c, _ := newClient()
			rec, err := c.Upload(cmd.Context(), args[0], client.UploadOptions{
				Type:        fileType,
				Description: description,
				Fee:         fee,
			})
			if err != nil {
				return explain(err)
			}

			fmt.Printf("Uploaded %s\n", rec.Name)
			printRecord(rec)
			return nil
		},
	}
	uploadCmd.Flags().String("type", "", "MIME type (detected by the daemon when empty)")
	uploadCmd.Flags().String("description", "", "file description")
	uploadCmd.Flags().Float64("fee", 0, "fee charged for the file")

	registerCmd := &cobra.Command{
		Use:   "register <hash>",
		Short: "Register content that was stored but not registered",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var meta services.Metadata
			meta.Name, _ = cmd.Flags().GetString("name")
			meta.Type, _ = cmd.Flags().GetString("type")
			meta.Description, _ = cmd.Flags().GetString("description")
			meta.Fee, _ = cmd.Flags().GetFloat64("fee")

			c, _ := newClient()
			rec, err := c.RegisterFile(cmd.Context(), args[0], meta)
			if err != nil {
				return explain(err)
			}

			fmt.Println("Registered")
			printRecord(rec)
			return nil
		},
	}
	registerCmd.Flags().String("name", "", "file name")
	registerCmd.Flags().String("type", "", "MIME type")
	registerCmd.Flags().String("description", "", "file description")
	registerCmd.Flags().Float64("fee", 0, "fee charged for the file")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all registered files",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _ := newClient()
			files, err := c.ListFiles(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Printf("Files (%d total):\n", len(files))
			fmt.Printf("%-64s %-24s %-12s %-8s %-9s %s\n", "HASH", "NAME", "SIZE", "FEE", "PUBLISHED", "PROVIDERS")
			fmt.Println(strings.Repeat("-", 130))
			for _, f := range files {
				fmt.Printf("%-64s %-24s %-12d %-8g %-9t %d\n", f.Hash, truncate(f.Name, 24), f.Size, f.Fee, f.IsPublished, len(f.Providers))
			}
			return nil
		},
	}

	getCmd := &cobra.Command{
		Use:   "get <hash>",
		Short: "Show a registered file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _ := newClient()
			rec, err := c.GetFile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printRecord(rec)
			return nil
		},
	}

	downloadCmd := &cobra.Command{
		Use:   "download <hash> <dest>",
		Short: "Download the locally stored content of a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := os.Create(args[1])
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", args[1], err)
			}

			c, _ := newClient()
			n, err := c.Download(cmd.Context(), args[0], out)
			if cerr := out.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				os.Remove(args[1])
				return err
			}

			fmt.Printf("Wrote %d bytes to %s\n", n, args[1])
			return nil
		},
	}

	updateCmd := &cobra.Command{
		Use:   "update <hash>",
		Short: "Change the description or fee of a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var description *string
			var fee *float64
			if cmd.Flags().Changed("description") {
				v, _ := cmd.Flags().GetString("description")
				description = &v
			}
			if cmd.Flags().Changed("fee") {
				v, _ := cmd.Flags().GetFloat64("fee")
				fee = &v
			}
			if description == nil && fee == nil {
				return errors.New("nothing to update: pass --description and/or --fee")
			}

			c, _ := newClient()
			rec, err := c.UpdateFile(cmd.Context(), args[0], description, fee)
			if err != nil {
				return err
			}
			printRecord(rec)
			return nil
		},
	}
	updateCmd.Flags().String("description", "", "new description")
	updateCmd.Flags().Float64("fee", 0, "new fee")

	deleteCmd := &cobra.Command{
		Use:   "delete <hash>",
		Short: "Delete a file record and its stored content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _ := newClient()
			if err := c.DeleteFile(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Deleted %s\n", args[0])
			return nil
		},
	}

	publishCmd := &cobra.Command{
		Use:   "publish <hash>",
		Short: "Toggle whether a file is visible in the marketplace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var expect *bool
			if cmd.Flags().Changed("expect") {
				v, _ := cmd.Flags().GetBool("expect")
				expect = &v
			}

			c, _ := newClient()
			published, err := c.TogglePublish(cmd.Context(), args[0], expect)
			if errors.Is(err, models.ErrConflict) {
				return fmt.Errorf("publish state changed concurrently, re-read it and retry: %w", err)
			}
			if err != nil {
				return err
			}

			if published {
				fmt.Printf("%s is now published\n", args[0])
			} else {
				fmt.Printf("%s is now unpublished\n", args[0])
			}
			return nil
		},
	}
	publishCmd.Flags().Bool("expect", false, "only toggle if the current state is this value")

	cmd.AddCommand(uploadCmd, registerCmd, listCmd, getCmd, downloadCmd, updateCmd, deleteCmd, publishCmd)
	return cmd
}

func providersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "Manage the providers of a file",
	}

	addCmd := &cobra.Command{
		Use:   "add <hash> [peer-id]",
		Short: "Add or update a provider (defaults to the configured peer ID)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fee, _ := cmd.Flags().GetFloat64("fee")

			c, cfg := newClient()
			peerID := cfg.PeerID
			if len(args) == 2 {
				peerID = args[1]
			}
			if peerID == "" {
				return errors.New("no peer ID given and none configured")
			}

			if err := c.AddProvider(cmd.Context(), args[0], peerID, fee); err != nil {
				return err
			}
			fmt.Printf("%s provides %s for %g\n", peerID, args[0], fee)
			return nil
		},
	}
	addCmd.Flags().Float64("fee", 0, "fee charged by this provider")

	listCmd := &cobra.Command{
		Use:   "list <hash>",
		Short: "List the providers of a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _ := newClient()
			providers, err := c.ListProviders(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printProviders(providers)
			return nil
		},
	}

	rmCmd := &cobra.Command{
		Use:   "rm <hash> <peer-id>",
		Short: "Remove a provider",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _ := newClient()
			if err := c.RemoveProvider(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("Removed %s from %s\n", args[1], args[0])
			return nil
		},
	}

	cmd.AddCommand(addCmd, listCmd, rmCmd)
	return cmd
}

func findCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "find <hash>",
		Short: "Look up a published file by its exact hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _ := newClient()

			if useDHT, _ := cmd.Flags().GetBool("dht"); useDHT {
				peers, err := c.FindPeers(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if len(peers) == 0 {
					fmt.Println("No peers announced that hash")
					return nil
				}
				fmt.Printf("%-54s %s\n", "PEER ID", "ADDRESSES")
				for _, p := range peers {
					fmt.Printf("%-54s %s\n", p.ID, strings.Join(p.Addrs, ","))
				}
				return nil
			}

			listing, err := c.FindFile(cmd.Context(), args[0])
			if errors.Is(err, models.ErrNotFound) {
				fmt.Println("No published file with that hash")
				return nil
			}
			if err != nil {
				return err
			}

			printRecord(&listing.Record)
			printProviders(listing.Providers)
			return nil
		},
	}

	cmd.Flags().Bool("dht", false, "List peers that announced the hash on the DHT instead")
	return cmd
}

func selectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "select <hash> <peer-id>",
		Short: "Choose a provider and send it a download request",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			requester, _ := cmd.Flags().GetString("requester")

			c, cfg := newClient()
			if requester == "" {
				requester = cfg.PeerID
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Duration(cfg.Timeout)*time.Second)
			defer cancel()

			result, err := c.SelectProvider(ctx, args[0], args[1], requester)
			if err != nil {
				return err
			}

			intent := result.Intent
			fmt.Printf("Download intent %s\n", intent.ID)
			fmt.Printf("  File:     %s (%s)\n", intent.FileName, intent.Hash)
			fmt.Printf("  Provider: %s\n", intent.PeerID)
			fmt.Printf("  Fee:      %g\n", intent.Fee)
			switch {
			case result.TransferError != "":
				fmt.Printf("  Transfer: not delivered (%s)\n", result.TransferError)
			case result.Response != nil && result.Response.Reason != "":
				fmt.Printf("  Transfer: %s (%s)\n", result.Response.Status, result.Response.Reason)
			case result.Response != nil:
				fmt.Printf("  Transfer: %s\n", result.Response.Status)
			}
			return nil
		},
	}
	cmd.Flags().String("requester", "", "requester ID sent to the provider (defaults to the configured peer ID)")
	return cmd
}

func printRecord(rec *models.FileRecord) {
	fmt.Printf("  Hash:        %s\n", rec.Hash)
	fmt.Printf("  Name:        %s\n", rec.Name)
	fmt.Printf("  Type:        %s\n", rec.Type)
	fmt.Printf("  Size:        %d bytes\n", rec.Size)
	fmt.Printf("  Description: %s\n", rec.Description)
	fmt.Printf("  Fee:         %g\n", rec.Fee)
	fmt.Printf("  Published:   %t\n", rec.IsPublished)
	fmt.Printf("  Reputation:  %d\n", rec.Reputation)
	fmt.Printf("  Created:     %s\n", rec.CreatedAt.Format(time.RFC3339))
	if len(rec.Providers) > 0 {
		fmt.Printf("  Providers:   %d\n", len(rec.Providers))
	}
}

func printProviders(providers []models.ProviderEntry) {
	fmt.Printf("Providers (%d):\n", len(providers))
	fmt.Printf("%-60s %s\n", "PEER ID", "FEE")
	for _, p := range providers {
		fmt.Printf("%-60s %g\n", p.PeerID, p.Fee)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
