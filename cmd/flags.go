package cmd

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func logLevelFlag(v *viper.Viper) string {
	return v.GetString("log.level")
}

func addLogLevelFlag(flags *pflag.FlagSet, v *viper.Viper) {
	flags.String("log-level", "info", "log level")
	_ = v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = v.BindEnv("log.level", "LOG_LEVEL")
}

func logFormatFlag(v *viper.Viper) string {
	return v.GetString("log.format")
}

func addLogFormatFlag(flags *pflag.FlagSet, v *viper.Viper) {
	flags.String("log-format", "json", "log format")
	_ = v.BindPFlag("log.format", flags.Lookup("log-format"))
	_ = v.BindEnv("log.format", "LOG_FORMAT")
}

func dbPathFlag(v *viper.Viper) string {
	return v.GetString("db.path")
}

func addDBPathFlag(flags *pflag.FlagSet, v *viper.Viper) {
	flags.String("db-path", "/var/lib/packageserver/metadata.db", "Path of the SQLite metadata database")
	_ = v.BindPFlag("db.path", flags.Lookup("db-path"))
	_ = v.BindEnv("db.path", "PACKAGE_SERVER_DB_PATH")
}

func blobBucketFlag(v *viper.Viper) string {
	return v.GetString("blob.bucket")
}

func addBlobBucketFlag(flags *pflag.FlagSet, v *viper.Viper) {
	flags.String("blob-bucket", "file:///var/lib/packageserver/blobs", "Bucket URL for blob content (file://, gs://)")
	_ = v.BindPFlag("blob.bucket", flags.Lookup("blob-bucket"))
	_ = v.BindEnv("blob.bucket", "PACKAGE_SERVER_BLOB_BUCKET")
}

func blobPrefixFlag(v *viper.Viper) string {
	return v.GetString("blob.prefix")
}

func addBlobPrefixFlag(flags *pflag.FlagSet, v *viper.Viper) {
	flags.String("blob-prefix", "", "Optional key prefix inside the blob bucket")
	_ = v.BindPFlag("blob.prefix", flags.Lookup("blob-prefix"))
	_ = v.BindEnv("blob.prefix", "PACKAGE_SERVER_BLOB_PREFIX")
}

func batchSizeFlag(v *viper.Viper) int {
	return v.GetInt("repair.batch_size")
}

func addBatchSizeFlag(flags *pflag.FlagSet, v *viper.Viper) {
	flags.Int("batch-size", 100, "Number of assets to process per transactional batch")
	_ = v.BindPFlag("repair.batch_size", flags.Lookup("batch-size"))
	_ = v.BindEnv("repair.batch_size", "PACKAGE_SERVER_REPAIR_BATCH_SIZE")
}

func repoTypeFlag(v *viper.Viper) string {
	return v.GetString("repo.type")
}

func addRepoTypeFlag(flags *pflag.FlagSet, v *viper.Viper) {
	flags.String("type", "hosted", "Repository type (hosted, proxy, group)")
	_ = v.BindPFlag("repo.type", flags.Lookup("type"))
	_ = v.BindEnv("repo.type", "PACKAGE_SERVER_REPO_TYPE")
}
