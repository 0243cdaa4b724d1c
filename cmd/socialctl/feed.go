package main

import (
	"fmt"
	"strings"

	social "github.com/MohamedAmineFradi/socialmedia-frontend"
	"github.com/spf13/cobra"
)

var (
	feedJSON bool
	feedUser string
)

func init() {
	rootCmd.AddCommand(feedCmd)
	rootCmd.AddCommand(postCmd)
	rootCmd.AddCommand(reactCmd)
	rootCmd.AddCommand(commentCmd)
	rootCmd.AddCommand(profileCmd)

	feedCmd.Flags().BoolVar(&feedJSON, "json", false, "output as JSON")
	feedCmd.Flags().StringVar(&feedUser, "user", "", "show one author's posts instead of the global feed")
	commentCmd.Flags().Bool("json", false, "output as JSON")
	profileCmd.Flags().Bool("json", false, "output as JSON")
}

var feedCmd = &cobra.Command{
	Use:   "feed",
	Short: "Show the feed",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine := getEngine()
		defer engine.Close()
		ctx := cmd.Context()

		var list social.PostList
		if feedUser != "" {
			if err := engine.Pipeline.EnsureUserPosts(ctx, feedUser); err != nil {
				return err
			}
			list = engine.Store.UserPosts(feedUser)
		} else {
			if err := engine.Pipeline.EnsureFeed(ctx); err != nil {
				return err
			}
			list = engine.Store.Feed()
		}

		if feedJSON {
			return printJSON(list.Posts)
		}
		for _, p := range list.Posts {
			mark := " "
			if p.UserReaction != nil {
				mark = string(p.UserReaction.Type[0])
			}
			fmt.Printf("%-12s %s  +%d/-%d (%d comments) [%s]\n  %s\n",
				p.ID, p.AuthorID, p.Likes, p.Dislikes, p.CommentCount, mark,
				strings.ReplaceAll(p.Content, "\n", "\n  "))
		}
		return nil
	},
}

var postCmd = &cobra.Command{
	Use:   "post <content>",
	Short: "Create a post",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine := getEngine()
		defer engine.Close()

		created, err := engine.Pipeline.CreatePost(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Posted %s\n", created.ID)
		return nil
	},
}

var reactCmd = &cobra.Command{
	Use:   "react <post-id> <like|dislike>",
	Short: "Toggle a reaction on a post",
	Long:  "Toggle the like or dislike vote on a post.\nPressing the same vote again removes it; the opposite vote switches it.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine := getEngine()
		defer engine.Close()
		ctx := cmd.Context()

		var kind social.ReactionType
		switch strings.ToLower(args[1]) {
		case "like":
			kind = social.ReactionLike
		case "dislike":
			kind = social.ReactionDislike
		default:
			return fmt.Errorf("unknown reaction %q (valid: like, dislike)", args[1])
		}

		if err := engine.Pipeline.EnsureFeed(ctx); err != nil {
			return err
		}
		if err := engine.Pipeline.ToggleReaction(ctx, args[0], kind); err != nil {
			return err
		}
		if p, ok := engine.Store.Post(args[0]); ok {
			fmt.Printf("Post %s: +%d/-%d\n", p.ID, p.Likes, p.Dislikes)
		}
		return nil
	},
}

var commentCmd = &cobra.Command{
	Use:   "comment <post-id> [content]",
	Short: "List a post's comments, or add one",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine := getEngine()
		defer engine.Close()
		ctx := cmd.Context()

		if len(args) == 2 {
			created, err := engine.Pipeline.CreateComment(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("Commented %s\n", created.ID)
			return nil
		}

		if err := engine.Pipeline.EnsureComments(ctx, args[0]); err != nil {
			return err
		}
		list := engine.Store.CommentsFor(args[0])
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(list.Comments)
		}
		for _, c := range list.Comments {
			fmt.Printf("%-12s %s: %s\n", c.ID, c.UserID, c.Content)
		}
		return nil
	},
}

var profileCmd = &cobra.Command{
	Use:   "profile <user-id>",
	Short: "Show a user's profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine := getEngine()
		defer engine.Close()
		ctx := cmd.Context()

		if err := engine.Pipeline.EnsureProfile(ctx, args[0]); err != nil {
			return err
		}
		snap := engine.Store.ProfileFor(args[0])
		if !snap.Known {
			return fmt.Errorf("no profile for user %s", args[0])
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(snap.Profile)
		}
		p := snap.Profile
		fmt.Printf("%s (@%s)\n", p.Name, p.Username)
		if p.Bio != "" {
			fmt.Println(p.Bio)
		}
		fmt.Printf("%d posts, %d comments, %d reactions\n",
			p.PostCount, p.CommentCount, p.ReactionCount)
		if p.Placeholder {
			fmt.Println("(profile not provisioned yet)")
		}
		return nil
	},
}
