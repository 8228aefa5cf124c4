package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var productsCmd = &cobra.Command{
	Use:   "products",
	Short: "Manage the products that are synced",
}

var productsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all products",
	Args:  cobra.NoArgs,
	RunE:  runProductsList,
}

var productsAddCmd = &cobra.Command{
	Use:   "add <name>...",
	Short: "Add products to sync",
	Long:  `Add one or more products by their wpt.fyi name, e.g. "ladybird".`,
	Args:  cobra.MinimumNArgs(1),
	RunE:  runProductsAdd,
}

func init() {
	rootCmd.AddCommand(productsCmd)
	productsCmd.AddCommand(productsListCmd, productsAddCmd)
}

func runProductsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	st, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}

	defer func() { _ = st.Stop() }()

	products, err := st.ListProducts(cmd.Context())
	if err != nil {
		return err
	}

	if len(products) == 0 {
		log.Info("No products registered")

		return nil
	}

	fmt.Printf("Products (%d):\n", len(products))

	for _, p := range products {
		fmt.Printf("  - %s (id %d)\n", p.Name, p.ID)
	}

	return nil
}

func runProductsAdd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	st, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}

	defer func() { _ = st.Stop() }()

	for _, name := range args {
		if name == "" {
			return fmt.Errorf("product name must not be empty")
		}

		product, err := st.CreateProduct(cmd.Context(), name)
		if err != nil {
			return err
		}

		log.WithField("product", product.Name).
			WithField("id", product.ID).
			Info("Product registered")
	}

	return nil
}
