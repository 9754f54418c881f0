package connector

// Config schemas validated at Create time. Secret fields are declared here
// for documentation; at rest they hold the credential store placeholder.

const postgresConfigSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["host", "database", "username"],
  "properties": {
    "host": {"type": "string", "minLength": 1},
    "port": {"type": "integer", "minimum": 1, "maximum": 65535, "default": 5432},
    "database": {"type": "string", "minLength": 1},
    "username": {"type": "string", "minLength": 1},
    "password": {"type": "string"},
    "ssl_mode": {"type": "string", "enum": ["disable", "require", "verify-ca", "verify-full"], "default": "require"},
    "schema": {"type": "string"},
    "schema_name": {"type": "string"},
    "table": {"type": "string"},
    "custom_query": {"type": "string"},
    "query": {"type": "string"},
    "watermark_column": {"type": "string"},
    "batch_size": {"type": "integer", "minimum": 1}
  }
}`

const mysqlConfigSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["host", "database", "username"],
  "properties": {
    "host": {"type": "string", "minLength": 1},
    "port": {"type": "integer", "minimum": 1, "maximum": 65535, "default": 3306},
    "database": {"type": "string", "minLength": 1},
    "username": {"type": "string", "minLength": 1},
    "password": {"type": "string"},
    "table": {"type": "string"},
    "custom_query": {"type": "string"},
    "query": {"type": "string"},
    "watermark_column": {"type": "string"},
    "batch_size": {"type": "integer", "minimum": 1}
  }
}`

const sqlserverConfigSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["host", "database", "username"],
  "properties": {
    "host": {"type": "string", "minLength": 1},
    "port": {"type": "integer", "minimum": 1, "maximum": 65535, "default": 1433},
    "database": {"type": "string", "minLength": 1},
    "username": {"type": "string", "minLength": 1},
    "password": {"type": "string"},
    "schema": {"type": "string"},
    "schema_name": {"type": "string"},
    "table": {"type": "string"},
    "custom_query": {"type": "string"},
    "query": {"type": "string"},
    "watermark_column": {"type": "string"},
    "batch_size": {"type": "integer", "minimum": 1}
  }
}`

const restConfigSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["base_url"],
  "properties": {
    "base_url": {"type": "string", "minLength": 1},
    "endpoint": {"type": "string"},
    "auth_type": {"type": "string", "enum": ["none", "api_key", "basic", "bearer", "oauth2"], "default": "none"},
    "api_key": {"type": "string"},
    "api_key_header": {"type": "string", "default": "X-API-Key"},
    "username": {"type": "string"},
    "password": {"type": "string"},
    "bearer_token": {"type": "string"},
    "oauth_token_url": {"type": "string"},
    "oauth_client_id": {"type": "string"},
    "oauth_client_secret": {"type": "string"},
    "oauth_grant_type": {"type": "string", "enum": ["client_credentials", "password", "refresh_token"], "default": "client_credentials"},
    "oauth_scopes": {"type": "array", "items": {"type": "string"}},
    "oauth_refresh_token": {"type": "string"},
    "pagination": {"type": "string", "enum": ["none", "offset", "page", "cursor", "link_header"], "default": "none"},
    "pagination_type": {"type": "string", "enum": ["none", "offset", "page", "cursor", "link_header"]},
    "page_size": {"type": "integer", "minimum": 1, "default": 100},
    "page_size_param": {"type": "string"},
    "limit_param": {"type": "string"},
    "offset_param": {"type": "string", "default": "offset"},
    "page_param": {"type": "string", "default": "page"},
    "cursor_param": {"type": "string", "default": "cursor"},
    "cursor_path": {"type": "string", "default": "next_cursor"},
    "data_path": {"type": "string"},
    "watermark_param": {"type": "string"},
    "watermark_field": {"type": "string"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "query_params": {"type": "object", "additionalProperties": {"type": "string"}},
    "requests_per_second": {"type": "number", "exclusiveMinimum": 0},
    "rate_limit": {"type": "number", "exclusiveMinimum": 0},
    "timeout": {"type": "integer", "minimum": 1, "default": 30}
  }
}`

const fhirConfigSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["base_url"],
  "properties": {
    "base_url": {"type": "string", "minLength": 1},
    "resource_type": {"type": "string"},
    "resource_types": {"type": "array", "items": {"type": "string"}},
    "auth_type": {"type": "string", "enum": ["none", "api_key", "basic", "bearer", "oauth2"], "default": "none"},
    "api_key": {"type": "string"},
    "api_key_header": {"type": "string", "default": "X-API-Key"},
    "username": {"type": "string"},
    "password": {"type": "string"},
    "bearer_token": {"type": "string"},
    "oauth_token_url": {"type": "string"},
    "oauth_client_id": {"type": "string"},
    "oauth_client_secret": {"type": "string"},
    "oauth_scopes": {"type": "array", "items": {"type": "string"}},
    "search_params": {"type": "object", "additionalProperties": {"type": "string"}},
    "requests_per_second": {"type": "number", "exclusiveMinimum": 0},
    "rate_limit": {"type": "number", "exclusiveMinimum": 0},
    "timeout": {"type": "integer", "minimum": 1, "default": 30}
  }
}`

const s3ConfigSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["bucket"],
  "properties": {
    "bucket": {"type": "string", "minLength": 1},
    "prefix": {"type": "string"},
    "region": {"type": "string", "default": "us-east-1"},
    "aws_access_key": {"type": "string"},
    "aws_secret_key": {"type": "string"},
    "endpoint": {"type": "string"},
    "file_pattern": {"type": "string"},
    "path_pattern": {"type": "string"},
    "file_format": {"type": "string", "enum": ["csv", "json"], "default": "csv"},
    "format_options": {"type": "object"},
    "archive_prefix": {"type": "string"}
  }
}`

const sftpConfigSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["host", "username", "path"],
  "properties": {
    "host": {"type": "string", "minLength": 1},
    "port": {"type": "integer", "minimum": 1, "maximum": 65535, "default": 22},
    "username": {"type": "string", "minLength": 1},
    "password": {"type": "string"},
    "private_key": {"type": "string"},
    "path": {"type": "string", "minLength": 1},
    "file_pattern": {"type": "string"},
    "path_pattern": {"type": "string"},
    "file_format": {"type": "string", "enum": ["csv", "json"], "default": "csv"},
    "format_options": {"type": "object"},
    "archive_path": {"type": "string"}
  }
}`

const azureBlobConfigSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["container"],
  "properties": {
    "account_name": {"type": "string"},
    "account_key": {"type": "string"},
    "sas_token": {"type": "string"},
    "azure_connection_string": {"type": "string"},
    "container": {"type": "string", "minLength": 1},
    "prefix": {"type": "string"},
    "file_pattern": {"type": "string"},
    "path_pattern": {"type": "string"},
    "file_format": {"type": "string", "enum": ["csv", "json"], "default": "csv"},
    "format_options": {"type": "object"},
    "archive_prefix": {"type": "string"}
  }
}`

const localConfigSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["path"],
  "properties": {
    "path": {"type": "string", "minLength": 1},
    "file_pattern": {"type": "string"},
    "path_pattern": {"type": "string"},
    "file_format": {"type": "string", "enum": ["csv", "json"], "default": "csv"},
    "format_options": {"type": "object"},
    "archive_path": {"type": "string"}
  }
}`
