package main

import (
	"github.com/dosco/docbridge/core"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func (c *cli) indexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Index management commands",
	}

	cmd.AddCommand(c.indexListCmd())
	cmd.AddCommand(c.indexCreateCmd())
	cmd.AddCommand(c.indexDropCmd())
	return cmd
}

func (c *cli) indexListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <collection>",
		Short: "List the indexes of a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := newPrinter(cmd.OutOrStdout(), c.format)
			if err != nil {
				return err
			}

			return c.withCollection(ctx, args[0], func(coll *core.Collection) error {
				list, err := coll.Indexes(ctx)
				if err != nil {
					return err
				}
				for _, ix := range list {
					d := bson.D{{Key: "name", Value: ix.Name}, {Key: "key", Value: ix.Key}}
					if ix.Unique {
						d = append(d, bson.E{Key: "unique", Value: true})
					}
					if ix.Sparse {
						d = append(d, bson.E{Key: "sparse", Value: true})
					}
					if ix.Type != "" {
						d = append(d, bson.E{Key: "type", Value: ix.Type})
					}
					if err := p.print(d); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func (c *cli) indexCreateCmd() *cobra.Command {
	var opts core.IndexOptions

	cmd := &cobra.Command{
		Use:   "create <collection> <keys>",
		Short: "Create an index, for example {\"email\": 1}",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			keys, err := parseDoc(args[1])
			if err != nil {
				return err
			}
			p, err := newPrinter(cmd.OutOrStdout(), c.format)
			if err != nil {
				return err
			}

			return c.withCollection(ctx, args[0], func(coll *core.Collection) error {
				name, err := coll.CreateIndex(ctx, keys, &opts)
				if err != nil {
					return err
				}
				return p.print(bson.D{{Key: "name", Value: name}})
			})
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&opts.Name, "name", "", "index name, derived from the keys when empty")
	fl.BoolVar(&opts.Unique, "unique", false, "reject duplicate values")
	fl.BoolVar(&opts.Sparse, "sparse", false, "skip documents missing the keys")
	fl.StringVar(&opts.Type, "type", "", "declared key type: number or date")
	return cmd
}

func (c *cli) indexDropCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drop <collection> <name>",
		Short: "Drop an index by name",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return c.withCollection(ctx, args[0], func(coll *core.Collection) error {
				return coll.DropIndex(ctx, args[1])
			})
		},
	}
}
