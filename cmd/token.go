package cmd

import (
	"fmt"

	"voice-fusion/app/auth"
	"voice-fusion/app/config"

	"github.com/spf13/cobra"
)

var (
	tokenUser      string
	tokenCanSubmit bool
)

// 身份系统由外部负责，这里只用于本地调试签发令牌
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "签发调试用的访问令牌",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		token, err := auth.NewJWTService(cfg).GenerateToken(tokenUser, tokenCanSubmit)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVarP(&tokenUser, "user", "u", "", "用户ID")
	tokenCmd.Flags().BoolVar(&tokenCanSubmit, "can-submit", true, "是否允许提交转换任务")
	_ = tokenCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(tokenCmd)
}
